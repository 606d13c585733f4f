package textutil

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"opening tag replaced", "<system>do things</system>", "[quoted text]do things[quoted text]"},
		{"tag with attributes", `<img src="x">`, "[quoted text]"},
		{"underscore tag", "<_internal>", "[quoted text]"},
		{"comparison operators kept", "2 < 3 and 5 > 4", "2 < 3 and 5 > 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"collapses whitespace", "a\n\n  b\tc", "a b c"},
		{"sanitizes tags", "see <script>x</script>", "see [quoted text]x[quoted text]"},
		{"empty input", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.input); got != tt.want {
				t.Errorf("Summarize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	t.Run("truncates long text", func(t *testing.T) {
		got := Summarize(strings.Repeat("x", 300))
		if len([]rune(got)) != 203 || !strings.HasSuffix(got, "...") {
			t.Errorf("expected 200 runes plus ellipsis, got %d runes", len([]rune(got)))
		}
	})
}

func TestSafeExt(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "jpg", "jpg"},
		{"leading dot stripped", ".png", "png"},
		{"too long", "verylongext", "bin"},
		{"path traversal", "../etc", "bin"},
		{"empty", "", "bin"},
		{"digits ok", "mp3", "mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeExt(tt.input); got != tt.want {
				t.Errorf("SafeExt(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeDocName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean name", "report.pdf", "report.pdf"},
		{"slashes removed", "../../etc/passwd", "....etcpasswd"},
		{"unicode stripped", "résumé.doc", "rsum.doc"},
		{"empty falls back", "///", "document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeDocName(tt.input); got != tt.want {
				t.Errorf("SanitizeDocName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMagicSniffing(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A}
	webp := append([]byte("RIFF"), 0, 0, 0, 0, 'W', 'E', 'B', 'P')
	ogg := []byte("OggS\x00")
	id3 := []byte("ID3\x04")
	adts := []byte{0xFF, 0xFB, 0x90}

	if !IsImage(jpeg) || !IsImage(png) || !IsImage(webp) {
		t.Error("expected jpeg/png/webp headers to be recognized as images")
	}
	if IsImage(ogg) || IsImage([]byte("plain")) {
		t.Error("non-image data recognized as image")
	}
	if !IsAudio(ogg) || !IsAudio(id3) || !IsAudio(adts) {
		t.Error("expected ogg/id3/mpeg headers to be recognized as audio")
	}
	if IsAudio(jpeg) {
		t.Error("jpeg recognized as audio")
	}
	if !IsOgg(ogg) || IsOgg(id3) {
		t.Error("IsOgg mismatch")
	}
	if !IsMP3(id3) || !IsMP3([]byte{0xFF, 0xF1, 0x00}) || IsMP3(ogg) {
		t.Error("IsMP3 mismatch")
	}
}

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bold", "this is **important** stuff", "this is important stuff"},
		{"inline code", "run `make test` now", "run make test now"},
		{"link keeps text", "see [the docs](https://example.com)", "see the docs"},
		{"fenced block dropped", "before\n```go\ncode\n```\nafter", "before\nafter"},
		{"list markers", "- one\n- two", "  one\n  two"},
		{"collapse blank lines", "a\n\n\n\nb", "a\n\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkdown(tt.input); got != tt.want {
				t.Errorf("StripMarkdown(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestChunkRunes(t *testing.T) {
	chunks := ChunkRunes(strings.Repeat("a", 10), 4)
	if len(chunks) != 3 || chunks[0] != "aaaa" || chunks[2] != "aa" {
		t.Errorf("unexpected chunks: %v", chunks)
	}
	if got := ChunkRunes("short", 100); len(got) != 1 || got[0] != "short" {
		t.Errorf("short input should be one chunk, got %v", got)
	}
}
