// Package platform defines the chat-platform client surface used by the
// message pipeline, with Telegram and WhatsApp Cloud API implementations
// in subpackages.
package platform

import (
	"context"
	"errors"
)

// ErrTooLarge is returned when a remote file exceeds the platform's
// download cap.
var ErrTooLarge = errors.New("file too large")

// Validator inspects a downloaded file and reports whether it is
// acceptable. A false result causes the file to be deleted.
type Validator func(path string) bool

// Client is the outbound surface a chat platform must provide to the
// pipeline. Chat and message identifiers are strings at this boundary;
// implementations parse them into native forms.
type Client interface {
	// Name returns the platform name ("telegram" or "whatsapp").
	Name() string

	// SendMessage delivers text to chat, chunking and degrading
	// formatting as needed. replyTo references the message being
	// answered and may be empty.
	SendMessage(ctx context.Context, chat, text, replyTo string) error

	// SendVoice delivers an audio file as a voice reply. Returns false
	// when delivery failed and the caller should fall back to text.
	SendVoice(ctx context.Context, chat, path, replyTo string) bool

	// Ack signals receipt of a message (reaction or read receipt).
	// Best effort.
	Ack(ctx context.Context, chat, messageID string)

	// Typing signals activity in chat. voice selects the
	// recording indicator where the platform has one. Best effort.
	Typing(ctx context.Context, chat string, voice bool)

	// Download fetches a platform file into a temp file with the given
	// name prefix and returns its path. validate may be nil.
	Download(ctx context.Context, fileID, prefix string, validate Validator) (string, error)
}
