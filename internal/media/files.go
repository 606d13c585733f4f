package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/claudio-sh/claudio/internal/textutil"
)

// Temp file prefixes used across the pipeline so stray files are easy to
// attribute.
const (
	PrefixImage = "claudio-img-"
	PrefixDoc   = "claudio-doc-"
	PrefixVoice = "claudio-voice-"
	PrefixTTS   = "claudio-tts-"
)

// writeTemp streams r into a new 0600 temp file and returns its path.
func writeTemp(prefix, ext string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", prefix+"*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(path)
		return "", err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// SanitizeImage re-encodes the image at path in place, dropping any
// metadata embedded in the original file. The file is removed when it
// cannot be decoded as an image.
func SanitizeImage(path string) error {
	img, err := imaging.Open(path)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("decode image: %w", err)
	}
	if err := imaging.Save(img, path); err != nil {
		os.Remove(path)
		return fmt.Errorf("re-encode image: %w", err)
	}
	return nil
}

// ValidateImage reads the file header and checks for a known image
// format. Used as a download validator.
func ValidateImage(path string) bool {
	return sniff(path, textutil.IsImage)
}

// ValidateAudio checks for a known audio container header.
func ValidateAudio(path string) bool {
	return sniff(path, textutil.IsAudio)
}

func sniff(path string, check func([]byte) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, 16)
	n, _ := io.ReadFull(f, header)
	return check(header[:n])
}

// RenameWithExt moves path to a sibling file carrying ext so downstream
// tooling can infer the format. Returns the new path.
func RenameWithExt(path, ext string) (string, error) {
	ext = textutil.SafeExt(ext)
	newPath := path + "." + ext
	if filepath.Ext(path) == "."+ext {
		return path, nil
	}
	if err := os.Rename(path, newPath); err != nil {
		return path, err
	}
	return newPath, nil
}

// Cleanup removes every path, ignoring files that are already gone.
func Cleanup(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			continue
		}
	}
}
