// Package telegram implements the platform client for the Telegram Bot
// API on top of telego.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/claudio-sh/claudio/internal/platform"
	"github.com/claudio-sh/claudio/internal/textutil"
)

const (
	// maxMessageRunes is Telegram's text message limit.
	maxMessageRunes = 4096

	// maxDownloadBytes is the Bot API file download limit.
	maxDownloadBytes int64 = 20 * 1024 * 1024

	// maxRetries is the retry budget per API call (5 attempts total).
	maxRetries = 4
)

var filePathPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.\-]+$`)

// Client wraps a telego bot with the retry and formatting-fallback policy
// the pipeline relies on.
type Client struct {
	bot   *telego.Bot
	token string
	http  *http.Client
	log   *slog.Logger
	sleep func(time.Duration)
}

// New builds a Telegram client for the given bot token.
func New(token string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{
		bot:   bot,
		token: token,
		http:  &http.Client{Timeout: 60 * time.Second},
		log:   log,
		sleep: time.Sleep,
	}, nil
}

// Name implements platform.Client.
func (c *Client) Name() string { return "telegram" }

// withRetry runs call with the shared backoff policy: rate limits honor
// the server-provided delay, server and transport errors back off
// exponentially, other client errors fail immediately.
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
		wait, retryable := retryDelay(err, attempt)
		if !retryable {
			return err
		}
		c.log.Debug("telegram.retry", "op", op, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.sleep(wait)
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries+1, err)
}

// retryDelay classifies err and returns the backoff before the next
// attempt, or retryable=false for client errors that will not recover.
func retryDelay(err error, attempt int) (wait time.Duration, retryable bool) {
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == http.StatusTooManyRequests:
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter >= 1 {
				return time.Duration(apiErr.Parameters.RetryAfter) * time.Second, true
			}
			return backoff, true
		case apiErr.ErrorCode >= 500:
			return backoff, true
		default:
			return 0, false
		}
	}
	// Transport-level failure.
	return backoff, true
}

// SendMessage chunks text at the Telegram limit and sends each chunk,
// degrading from Markdown to plain text and finally dropping the reply
// reference when the API rejects the message.
func (c *Client) SendMessage(ctx context.Context, chat, text, replyTo string) error {
	chatID, err := parseChatID(chat)
	if err != nil {
		return err
	}
	replyID := 0
	if replyTo != "" {
		replyID, _ = strconv.Atoi(replyTo)
	}

	chunks := textutil.ChunkRunes(text, maxMessageRunes)
	for i, chunk := range chunks {
		reply := 0
		if i == 0 {
			reply = replyID
		}
		if err := c.sendChunk(ctx, chatID, chunk, reply); err != nil {
			c.log.Error("telegram.send_failed", "chat", chat, "error", err)
		}
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, chatID int64, text string, replyID int) error {
	attempts := []*telego.SendMessageParams{
		newSendParams(chatID, text, telego.ModeMarkdown, replyID),
		newSendParams(chatID, text, "", replyID),
		newSendParams(chatID, text, "", 0),
	}
	var err error
	for _, params := range attempts {
		err = c.withRetry(ctx, "sendMessage", func() error {
			_, sendErr := c.bot.SendMessage(ctx, params)
			return sendErr
		})
		if err == nil {
			return nil
		}
	}
	return err
}

func newSendParams(chatID int64, text, parseMode string, replyID int) *telego.SendMessageParams {
	params := tu.Message(tu.ID(chatID), text)
	params.ParseMode = parseMode
	if replyID != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
	}
	return params
}

// SendVoice uploads path as a voice message. Returns false on failure so
// the caller can fall back to a text reply.
func (c *Client) SendVoice(ctx context.Context, chat, path, replyTo string) bool {
	chatID, err := parseChatID(chat)
	if err != nil {
		return false
	}
	err = c.withRetry(ctx, "sendVoice", func() error {
		f, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		params := &telego.SendVoiceParams{
			ChatID: tu.ID(chatID),
			Voice:  tu.File(tu.NameReader(f, "voice.ogg")),
		}
		if replyTo != "" {
			if id, convErr := strconv.Atoi(replyTo); convErr == nil && id != 0 {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: id}
			}
		}
		_, sendErr := c.bot.SendVoice(ctx, params)
		return sendErr
	})
	if err != nil {
		c.log.Warn("telegram.send_voice_failed", "chat", chat, "error", err)
		return false
	}
	return true
}

// Ack reacts to the message with 👀. Fire and forget.
func (c *Client) Ack(ctx context.Context, chat, messageID string) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return
	}
	reactErr := c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: "\U0001F440"},
		},
	})
	if reactErr != nil {
		c.log.Debug("telegram.reaction_failed", "chat", chat, "error", reactErr)
	}
}

// Typing shows the typing (or voice recording) indicator. Fire and forget.
func (c *Client) Typing(ctx context.Context, chat string, voice bool) {
	chatID, err := parseChatID(chat)
	if err != nil {
		return
	}
	action := telego.ChatActionTyping
	if voice {
		action = telego.ChatActionRecordVoice
	}
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}

// Download resolves fileID through getFile and fetches the file into a
// temp file. The server-reported path is validated against a strict
// pattern before it is interpolated into the download URL.
func (c *Client) Download(ctx context.Context, fileID, prefix string, validate platform.Validator) (string, error) {
	var file *telego.File
	err := c.withRetry(ctx, "getFile", func() error {
		var getErr error
		file, getErr = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		return getErr
	})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" || !filePathPattern.MatchString(file.FilePath) || strings.Contains(file.FilePath, "..") {
		return "", fmt.Errorf("unsafe file path from api: %q", file.FilePath)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
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
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxDownloadBytes+1))
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		os.Remove(path)
		if err == nil {
			err = closeErr
		}
		return "", fmt.Errorf("save file: %w", err)
	}
	if written == 0 {
		os.Remove(path)
		return "", fmt.Errorf("empty file")
	}
	if written > maxDownloadBytes {
		os.Remove(path)
		return "", platform.ErrTooLarge
	}
	if validate != nil && !validate(path) {
		os.Remove(path)
		return "", fmt.Errorf("downloaded file failed validation")
	}
	return path, nil
}

// PublishCommands registers the bot's command menu.
func (c *Client) PublishCommands(ctx context.Context) error {
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: []telego.BotCommand{
			{Command: "start", Description: "Say hello"},
			{Command: "opus", Description: "Switch to the Opus model"},
			{Command: "sonnet", Description: "Switch to the Sonnet model"},
			{Command: "haiku", Description: "Switch to the Haiku model"},
		},
	})
}

// WebhookInfo returns the currently registered webhook URL.
func (c *Client) WebhookInfo(ctx context.Context) (string, error) {
	info, err := c.bot.GetWebhookInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// RegisterWebhook points the bot at url with the given secret, limiting
// delivery to message updates.
func (c *Client) RegisterWebhook(ctx context.Context, url, secret string) error {
	return c.bot.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:            url,
		AllowedUpdates: []string{"message"},
		SecretToken:    secret,
	})
}

func parseChatID(chat string) (int64, error) {
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", chat)
	}
	return id, nil
}
