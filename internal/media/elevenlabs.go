// Package media covers speech synthesis and transcription through the
// ElevenLabs API, plus local file hygiene for downloaded media.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/claudio-sh/claudio/internal/textutil"
)

const (
	// ttsMaxChars caps synthesized text; longer replies are truncated.
	ttsMaxChars = 5000

	// sttMaxBytes caps audio uploaded for transcription.
	sttMaxBytes int64 = 20 * 1024 * 1024
)

var (
	voiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{1,64}$`)
	modelPattern   = regexp.MustCompile(`^[a-zA-Z0-9_]{1,64}$`)
)

// Speech is an ElevenLabs API client handling both directions: text to
// speech for voice replies and speech to text for incoming voice notes.
type Speech struct {
	apiKey   string
	voiceID  string
	ttsModel string
	sttModel string
	base     string
	http     *http.Client
	log      *slog.Logger
}

// NewSpeech builds a Speech client. Invalid voice or model identifiers
// are rejected so they can never reach a URL path.
func NewSpeech(apiKey, voiceID, ttsModel, sttModel string, log *slog.Logger) (*Speech, error) {
	if log == nil {
		log = slog.Default()
	}
	if !voiceIDPattern.MatchString(voiceID) {
		return nil, fmt.Errorf("invalid voice id %q", voiceID)
	}
	if !modelPattern.MatchString(ttsModel) || !modelPattern.MatchString(sttModel) {
		return nil, fmt.Errorf("invalid model id")
	}
	return &Speech{
		apiKey:   apiKey,
		voiceID:  voiceID,
		ttsModel: ttsModel,
		sttModel: sttModel,
		base:     "https://api.elevenlabs.io",
		http:     &http.Client{Timeout: 120 * time.Second},
		log:      log,
	}, nil
}

// Configured reports whether an API key is present.
func (s *Speech) Configured() bool { return s.apiKey != "" }

// Synthesize converts text to an mp3 voice file and returns its path.
// Markdown is stripped first and the input truncated at the service cap;
// the written file must carry an MP3 header or it is discarded.
func (s *Speech) Synthesize(ctx context.Context, text string) (string, error) {
	if !s.Configured() {
		return "", fmt.Errorf("tts not configured")
	}
	plain := textutil.StripMarkdown(text)
	if plain == "" {
		return "", fmt.Errorf("nothing to synthesize")
	}
	if len(plain) > ttsMaxChars {
		s.log.Info("tts.truncated", "chars", len(plain), "cap", ttsMaxChars)
		plain = plain[:ttsMaxChars]
	}

	payload, err := json.Marshal(map[string]string{
		"text":     plain,
		"model_id": s.ttsModel,
	})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=mp3_44100_128", s.base, s.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("tts status %d: %s", resp.StatusCode, body)
	}

	path, err := writeTemp("claudio-tts-", ".mp3", resp.Body)
	if err != nil {
		return "", err
	}
	header := make([]byte, 4)
	f, err := os.Open(path)
	if err == nil {
		_, _ = io.ReadFull(f, header)
		f.Close()
	}
	if err != nil || !textutil.IsMP3(header) {
		os.Remove(path)
		return "", fmt.Errorf("tts produced invalid audio")
	}
	return path, nil
}

type sttResponse struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
}

// Transcribe converts the audio file at path to text.
func (s *Speech) Transcribe(ctx context.Context, path string) (string, error) {
	if !s.Configured() {
		return "", fmt.Errorf("stt not configured")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stt: stat audio: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("stt: empty audio file")
	}
	if info.Size() > sttMaxBytes {
		return "", fmt.Errorf("stt: audio too large: %d bytes", info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("stt: open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("stt: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("stt: copy audio: %w", err)
	}
	if err := w.WriteField("model_id", s.sttModel); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/speech-to-text", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt status %d: %s", resp.StatusCode, respBody)
	}
	var result sttResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response: %w", err)
	}
	s.log.Debug("stt.transcribed", "chars", len(result.Text), "language", result.LanguageCode)
	return result.Text, nil
}
