// Package textutil holds the text hygiene helpers shared by the webhook
// pipeline: prompt sanitization, history summaries, filename cleanup and
// file-content sniffing.
package textutil

import (
	"bytes"
	"regexp"
	"strings"
)

var (
	tagPattern      = regexp.MustCompile(`</?[a-zA-Z_][a-zA-Z0-9_-]*[^>]*>`)
	wsPattern       = regexp.MustCompile(`\s+`)
	extPattern      = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	docNamePattern  = regexp.MustCompile(`[^a-zA-Z0-9._ -]`)
	inlineCode      = regexp.MustCompile("`([^`]*)`")
	boldItalic      = regexp.MustCompile(`\*\*\*([^*]+)\*\*\*`)
	bold            = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italic          = regexp.MustCompile(`\*([^*]+)\*`)
	underBoldItalic = regexp.MustCompile(`___([^_]+)___`)
	underBold       = regexp.MustCompile(`__([^_]+)__`)
	underItalic     = regexp.MustCompile(`_([^_]+)_`)
	mdLink          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	listMarker      = regexp.MustCompile(`(?m)^(\s*)[-*+] `)
	manyNewlines    = regexp.MustCompile(`\n{3,}`)
)

// Sanitize neutralizes markup-like tags in untrusted text before it is
// embedded into a prompt or a quoted reply.
func Sanitize(s string) string {
	return tagPattern.ReplaceAllString(s, "[quoted text]")
}

// Summarize produces a single-line digest of s, at most 200 runes.
func Summarize(s string) string {
	out := strings.TrimSpace(wsPattern.ReplaceAllString(Sanitize(s), " "))
	runes := []rune(out)
	if len(runes) > 200 {
		out = string(runes[:200]) + "..."
	}
	return out
}

// SafeExt returns ext if it is a plain alphanumeric extension of at most
// 10 characters, otherwise "bin".
func SafeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" || len(ext) > 10 || !extPattern.MatchString(ext) {
		return "bin"
	}
	return ext
}

// SanitizeDocName strips characters that are unsafe in a filename shown
// back to the user or written to disk.
func SanitizeDocName(name string) string {
	out := docNamePattern.ReplaceAllString(name, "")
	out = strings.TrimSpace(out)
	if len(out) > 255 {
		out = out[:255]
	}
	if out == "" {
		return "document"
	}
	return out
}

// IsImage reports whether data starts with a JPEG, PNG, GIF or WEBP header.
func IsImage(data []byte) bool {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return true
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x89, 'P', 'N', 'G'}):
		return true
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	}
	return false
}

// IsAudio reports whether data looks like an Ogg, ID3-tagged or raw MPEG
// audio stream.
func IsAudio(data []byte) bool {
	if len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")) {
		return true
	}
	if len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")) {
		return true
	}
	if len(data) >= 2 && data[0] == 0xFF {
		switch data[1] {
		case 0xFB, 0xF3, 0xF2:
			return true
		}
	}
	return false
}

// IsOgg reports whether data starts with an Ogg container header.
func IsOgg(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS"))
}

// IsMP3 reports whether data starts with an ID3 tag or an MPEG ADTS frame.
func IsMP3(data []byte) bool {
	if len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")) {
		return true
	}
	if len(data) >= 2 && data[0] == 0xFF {
		switch data[1] {
		case 0xFB, 0xF3, 0xF2, 0xF1, 0xF9:
			return true
		}
	}
	return false
}

// StripMarkdown converts markdown-formatted text to plain text suitable
// for speech synthesis.
func StripMarkdown(s string) string {
	// Drop fenced code blocks, toggling on each ``` line.
	var kept []string
	inFence := false
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !inFence {
			kept = append(kept, line)
		}
	}
	out := strings.Join(kept, "\n")

	out = inlineCode.ReplaceAllString(out, "$1")
	out = boldItalic.ReplaceAllString(out, "$1")
	out = bold.ReplaceAllString(out, "$1")
	out = italic.ReplaceAllString(out, "$1")
	out = underBoldItalic.ReplaceAllString(out, "$1")
	out = underBold.ReplaceAllString(out, "$1")
	out = underItalic.ReplaceAllString(out, "$1")
	out = mdLink.ReplaceAllString(out, "$1")
	out = listMarker.ReplaceAllString(out, "${1}  ")
	out = manyNewlines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// ChunkRunes splits s into pieces of at most size runes.
func ChunkRunes(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	if len(runes) <= size {
		return []string{s}
	}
	var chunks []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
