// Package pipeline turns incoming webhook payloads into agent prompts
// and replies: parsing, authorization, commands, media handling,
// transcription, history and memory context, and reply delivery.
package pipeline

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/claudio-sh/claudio/internal/textutil"
)

// Message kinds.
const (
	KindText  = "text"
	KindImage = "image"
	KindDoc   = "document"
	KindVoice = "voice"
	KindOther = "other"
)

// ParsedMessage is the platform-neutral form of one incoming message.
type ParsedMessage struct {
	ChatID    string
	MessageID string
	Text      string
	Caption   string

	ImageFileID string
	ImageExt    string
	ExtraPhotos []string

	DocFileID   string
	DocMime     string
	DocFilename string

	VoiceFileID string

	ReplyToText string
	ReplyToFrom string
	ContextID   string

	Kind string
}

// imageDocExts maps image MIME subtypes delivered as documents.
var imageDocExts = map[string]string{
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// ParseTelegram converts a Telegram update into a ParsedMessage.
// extraPhotos carries file ids merged from a media group. Returns nil
// for updates without a message.
func ParseTelegram(update *telego.Update, extraPhotos []string) *ParsedMessage {
	msg := update.Message
	if msg == nil {
		return nil
	}
	p := &ParsedMessage{
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:   strconv.Itoa(msg.MessageID),
		Text:        msg.Text,
		Caption:     msg.Caption,
		ExtraPhotos: extraPhotos,
		Kind:        KindText,
	}

	if len(msg.Photo) > 0 {
		// Highest resolution comes last.
		p.ImageFileID = msg.Photo[len(msg.Photo)-1].FileID
		p.ImageExt = "jpg"
		p.Kind = KindImage
	}

	if msg.Document != nil {
		mime := msg.Document.MimeType
		if strings.HasPrefix(mime, "image/") {
			p.ImageFileID = msg.Document.FileID
			if ext, ok := imageDocExts[mime]; ok {
				p.ImageExt = ext
			} else {
				p.ImageExt = "jpg"
			}
			p.Kind = KindImage
		} else {
			p.DocFileID = msg.Document.FileID
			p.DocMime = mime
			p.DocFilename = textutil.SanitizeDocName(msg.Document.FileName)
			p.Kind = KindDoc
		}
	}

	if msg.Voice != nil {
		p.VoiceFileID = msg.Voice.FileID
		p.Kind = KindVoice
	}

	if reply := msg.ReplyToMessage; reply != nil {
		p.ReplyToText = reply.Text
		if p.ReplyToText == "" {
			p.ReplyToText = reply.Caption
		}
		if reply.From != nil {
			p.ReplyToFrom = reply.From.FirstName
		}
	}
	return p
}

// whatsAppPayload mirrors the Cloud API webhook body down to the first
// message.
type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []whatsAppMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsAppMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Document *struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		MimeType string `json:"mime_type"`
		Caption  string `json:"caption"`
	} `json:"document"`
	Audio *struct {
		ID string `json:"id"`
	} `json:"audio"`
	Voice *struct {
		ID string `json:"id"`
	} `json:"voice"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context"`
}

// ParseWhatsApp extracts the phone number id and first message from a
// Cloud API webhook body. msg is nil for status-only deliveries.
func ParseWhatsApp(body []byte) (phoneNumberID string, msg *ParsedMessage, err error) {
	var payload whatsAppPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil, fmt.Errorf("parse whatsapp payload: %w", err)
	}
	if len(payload.Entry) == 0 || len(payload.Entry[0].Changes) == 0 {
		return "", nil, nil
	}
	value := payload.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return value.Metadata.PhoneNumberID, nil, nil
	}
	return value.Metadata.PhoneNumberID, parseWhatsAppMessage(&value.Messages[0]), nil
}

// parseWhatsAppMessage converts a decoded Cloud API message into a
// ParsedMessage. Unsupported message types yield Kind "other" so the
// handler can reply with a friendly notice.
func parseWhatsAppMessage(m *whatsAppMessage) *ParsedMessage {
	p := &ParsedMessage{
		ChatID:    m.From,
		MessageID: m.ID,
		Kind:      KindText,
	}
	if m.Context != nil {
		p.ContextID = m.Context.ID
	}
	switch {
	case m.Text != nil:
		p.Text = m.Text.Body
	case m.Image != nil:
		p.ImageFileID = m.Image.ID
		p.Caption = m.Image.Caption
		p.ImageExt = "jpg"
		p.Kind = KindImage
	case m.Document != nil:
		p.DocFileID = m.Document.ID
		p.DocMime = m.Document.MimeType
		p.DocFilename = textutil.SanitizeDocName(m.Document.Filename)
		p.Caption = m.Document.Caption
		p.Kind = KindDoc
	case m.Audio != nil:
		p.VoiceFileID = m.Audio.ID
		p.Kind = KindVoice
	case m.Voice != nil:
		p.VoiceFileID = m.Voice.ID
		p.Kind = KindVoice
	default:
		p.Kind = KindOther
	}
	return p
}

// extFromFilename picks a safe extension for a document name.
func extFromFilename(name string) string {
	return textutil.SafeExt(filepath.Ext(name))
}
