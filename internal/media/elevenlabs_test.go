package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testSpeech(t *testing.T, handler http.Handler) *Speech {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s, err := NewSpeech("key", "VoiceABC123", "eleven_multilingual_v2", "scribe_v1", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.base = srv.URL
	s.http = srv.Client()
	return s
}

func TestNewSpeechValidation(t *testing.T) {
	tests := []struct {
		name    string
		voice   string
		model   string
		wantErr bool
	}{
		{"valid", "abcDEF123", "eleven_multilingual_v2", false},
		{"voice with slash", "a/b", "m", true},
		{"voice too long", strings.Repeat("a", 65), "m", true},
		{"model with dash", "abc", "bad-model", true},
		{"empty voice", "", "m", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSpeech("k", tt.voice, tt.model, "scribe_v1", nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSpeech voice=%q model=%q err=%v, wantErr=%v", tt.voice, tt.model, err, tt.wantErr)
			}
		})
	}
}

func TestSynthesizeWritesValidMP3(t *testing.T) {
	s := testSpeech(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/VoiceABC123") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "key" {
			t.Error("missing api key header")
		}
		w.Write([]byte("ID3fake mp3 payload"))
	}))

	path, err := s.Synthesize(context.Background(), "**hello** world")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	defer os.Remove(path)
	if !strings.Contains(filepath.Base(path), "claudio-tts-") {
		t.Errorf("unexpected temp name %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSynthesizeRejectsNonAudio(t *testing.T) {
	s := testSpeech(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "not audio"}`))
	}))

	if _, err := s.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for non-audio response body")
	}
}

func TestTranscribe(t *testing.T) {
	s := testSpeech(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model_id"); got != "scribe_v1" {
			t.Errorf("model_id = %q", got)
		}
		w.Write([]byte(`{"text":"hola mundo","language_code":"es"}`))
	}))

	audio := filepath.Join(t.TempDir(), "voice.oga")
	if err := os.WriteFile(audio, []byte("OggS fake audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	text, err := s.Transcribe(context.Background(), audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hola mundo" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeRejectsEmptyFile(t *testing.T) {
	s := testSpeech(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty file should not reach the API")
	}))

	empty := filepath.Join(t.TempDir(), "empty.oga")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transcribe(context.Background(), empty); err == nil {
		t.Fatal("expected error for empty audio")
	}
}
