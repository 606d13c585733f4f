// Package whatsapp implements the platform client for the WhatsApp Cloud
// API (Meta graph endpoint). The Cloud API has no official Go SDK, so the
// client speaks the REST surface directly.
package whatsapp

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
	"strings"
	"time"

	"github.com/claudio-sh/claudio/internal/platform"
	"github.com/claudio-sh/claudio/internal/textutil"
)

const (
	baseURL = "https://graph.facebook.com/v21.0"

	// maxMessageRunes matches the Cloud API text body limit.
	maxMessageRunes = 4096

	// maxMediaBytes is the Cloud API media download cap.
	maxMediaBytes int64 = 16 * 1024 * 1024

	maxRetries = 4
)

// Client talks to the Cloud API for one phone number.
type Client struct {
	phoneNumberID string
	accessToken   string
	http          *http.Client
	log           *slog.Logger
	sleep         func(time.Duration)
	base          string
}

// New builds a WhatsApp client for the given phone number id.
func New(phoneNumberID, accessToken string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		http:          &http.Client{Timeout: 60 * time.Second},
		log:           log,
		sleep:         time.Sleep,
		base:          baseURL,
	}
}

// Name implements platform.Client.
func (c *Client) Name() string { return "whatsapp" }

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("whatsapp api status %d: %s", e.status, e.body)
}

// doJSON posts payload to path with the retry policy shared by all Cloud
// API calls: 429 and 5xx back off exponentially, other 4xx fail fast.
func (c *Client) doJSON(ctx context.Context, op, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", op, err)
	}
	return c.withRetry(ctx, op, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
		}
		if out != nil {
			return json.Unmarshal(data, out)
		}
		return nil
	})
}

func (c *Client) withRetry(ctx context.Context, op string, call func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			break
		}
		if apiErr, ok := err.(*apiError); ok {
			if apiErr.status != http.StatusTooManyRequests && apiErr.status < 500 {
				return err
			}
		}
		wait := time.Duration(1<<uint(attempt)) * time.Second
		c.log.Debug("whatsapp.retry", "op", op, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.sleep(wait)
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries+1, err)
}

// SendMessage delivers text to the recipient, chunked at the Cloud API
// limit. The first chunk carries the reply context when replyTo is set.
func (c *Client) SendMessage(ctx context.Context, chat, text, replyTo string) error {
	for i, chunk := range textutil.ChunkRunes(text, maxMessageRunes) {
		payload := map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                chat,
			"type":              "text",
			"text":              map[string]any{"preview_url": false, "body": chunk},
		}
		if i == 0 && replyTo != "" {
			payload["context"] = map[string]string{"message_id": replyTo}
		}
		if err := c.doJSON(ctx, "sendMessage", "/"+c.phoneNumberID+"/messages", payload, nil); err != nil {
			c.log.Error("whatsapp.send_failed", "to", chat, "error", err)
		}
	}
	return nil
}

type mediaUploadResult struct {
	ID string `json:"id"`
}

type sendResult struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendVoice uploads the mp3 at path as a media object and sends it as an
// audio message. Returns false when either step fails.
func (c *Client) SendVoice(ctx context.Context, chat, path, replyTo string) bool {
	mediaID, err := c.uploadAudio(ctx, path)
	if err != nil {
		c.log.Warn("whatsapp.audio_upload_failed", "error", err)
		return false
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                chat,
		"type":              "audio",
		"audio":             map[string]string{"id": mediaID},
	}
	if replyTo != "" {
		payload["context"] = map[string]string{"message_id": replyTo}
	}
	var result sendResult
	if err := c.doJSON(ctx, "sendAudio", "/"+c.phoneNumberID+"/messages", payload, &result); err != nil {
		c.log.Warn("whatsapp.send_audio_failed", "to", chat, "error", err)
		return false
	}
	return len(result.Messages) > 0 && result.Messages[0].ID != ""
}

func (c *Client) uploadAudio(ctx context.Context, path string) (string, error) {
	var result mediaUploadResult
	err := c.withRetry(ctx, "uploadMedia", func() error {
		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
			return err
		}
		part, err := mw.CreateFormFile("file", "voice.mp3")
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			return err
		}
		if err := mw.Close(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+c.phoneNumberID+"/media", &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("media upload returned no id")
	}
	return result.ID, nil
}

// Ack marks the message as read. Fire and forget.
func (c *Client) Ack(ctx context.Context, chat, messageID string) {
	payload := map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if err := c.doJSON(ctx, "markRead", "/"+c.phoneNumberID+"/messages", payload, nil); err != nil {
		c.log.Debug("whatsapp.mark_read_failed", "error", err)
	}
}

// Typing is a no-op: the Cloud API has no typing indicator.
func (c *Client) Typing(ctx context.Context, chat string, voice bool) {}

type mediaMeta struct {
	URL string `json:"url"`
}

// Download resolves a media id to its ephemeral URL and fetches the
// content into a temp file.
func (c *Client) Download(ctx context.Context, mediaID, prefix string, validate platform.Validator) (string, error) {
	var meta mediaMeta
	err := c.withRetry(ctx, "mediaMeta", func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+mediaID, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode != http.StatusOK {
			return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return "", fmt.Errorf("resolve media url: %w", err)
	}
	if !strings.HasPrefix(strings.ToLower(meta.URL), "https://") {
		return "", fmt.Errorf("refusing non-https media url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media download status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", prefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(path)
		return "", err
	}
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxMediaBytes+1))
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		os.Remove(path)
		if err == nil {
			err = closeErr
		}
		return "", fmt.Errorf("save media: %w", err)
	}
	if written == 0 {
		os.Remove(path)
		return "", fmt.Errorf("empty media file")
	}
	if written > maxMediaBytes {
		os.Remove(path)
		return "", platform.ErrTooLarge
	}
	if validate != nil && !validate(path) {
		os.Remove(path)
		return "", fmt.Errorf("downloaded media failed validation")
	}
	return path, nil
}
