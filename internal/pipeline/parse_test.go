package pipeline

import (
	"testing"

	"github.com/mymmrac/telego"
)

func TestParseTelegram(t *testing.T) {
	base := telego.Message{
		Chat:      telego.Chat{ID: 12345},
		MessageID: 7,
	}

	tests := []struct {
		name  string
		msg   telego.Message
		check func(t *testing.T, p *ParsedMessage)
	}{
		{
			name: "plain text",
			msg: func() telego.Message {
				m := base
				m.Text = "hello"
				return m
			}(),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindText || p.Text != "hello" {
					t.Fatalf("got kind %q text %q", p.Kind, p.Text)
				}
				if p.ChatID != "12345" || p.MessageID != "7" {
					t.Fatalf("got chat %q message %q", p.ChatID, p.MessageID)
				}
			},
		},
		{
			name: "photo picks highest resolution",
			msg: func() telego.Message {
				m := base
				m.Photo = []telego.PhotoSize{
					{FileID: "small"},
					{FileID: "medium"},
					{FileID: "large"},
				}
				m.Caption = "look"
				return m
			}(),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindImage || p.ImageFileID != "large" {
					t.Fatalf("got kind %q file %q", p.Kind, p.ImageFileID)
				}
				if p.ImageExt != "jpg" || p.Caption != "look" {
					t.Fatalf("got ext %q caption %q", p.ImageExt, p.Caption)
				}
			},
		},
		{
			name: "png document treated as image",
			msg: func() telego.Message {
				m := base
				m.Document = &telego.Document{FileID: "doc1", MimeType: "image/png", FileName: "x.png"}
				return m
			}(),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindImage || p.ImageFileID != "doc1" || p.ImageExt != "png" {
					t.Fatalf("got kind %q file %q ext %q", p.Kind, p.ImageFileID, p.ImageExt)
				}
				if p.DocFileID != "" {
					t.Fatalf("document fields should be empty, got %q", p.DocFileID)
				}
			},
		},
		{
			name: "pdf document",
			msg: func() telego.Message {
				m := base
				m.Document = &telego.Document{FileID: "doc2", MimeType: "application/pdf", FileName: "report.pdf"}
				return m
			}(),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindDoc || p.DocFileID != "doc2" {
					t.Fatalf("got kind %q file %q", p.Kind, p.DocFileID)
				}
				if p.DocFilename != "report.pdf" {
					t.Fatalf("got filename %q", p.DocFilename)
				}
			},
		},
		{
			name: "voice",
			msg: func() telego.Message {
				m := base
				m.Voice = &telego.Voice{FileID: "v1"}
				return m
			}(),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindVoice || p.VoiceFileID != "v1" {
					t.Fatalf("got kind %q file %q", p.Kind, p.VoiceFileID)
				}
			},
		},
		{
			name: "reply context",
			msg: func() telego.Message {
				m := base
				m.Text = "and this one?"
				m.ReplyToMessage = &telego.Message{
					Text: "original",
					From: &telego.User{FirstName: "Ana"},
				}
				return m
			}(),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.ReplyToText != "original" || p.ReplyToFrom != "Ana" {
					t.Fatalf("got reply %q from %q", p.ReplyToText, p.ReplyToFrom)
				}
			},
		},
		{
			name: "reply falls back to caption",
			msg: func() telego.Message {
				m := base
				m.Text = "nice"
				m.ReplyToMessage = &telego.Message{Caption: "a photo caption"}
				return m
			}(),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.ReplyToText != "a photo caption" {
					t.Fatalf("got reply %q", p.ReplyToText)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			p := ParseTelegram(&telego.Update{Message: &msg}, nil)
			if p == nil {
				t.Fatal("got nil message")
			}
			tt.check(t, p)
		})
	}
}

func TestParseTelegramNoMessage(t *testing.T) {
	if p := ParseTelegram(&telego.Update{}, nil); p != nil {
		t.Fatalf("expected nil, got %+v", p)
	}
}

func TestParseTelegramExtraPhotos(t *testing.T) {
	msg := telego.Message{
		Chat:      telego.Chat{ID: 1},
		MessageID: 2,
		Photo:     []telego.PhotoSize{{FileID: "lead"}},
	}
	p := ParseTelegram(&telego.Update{Message: &msg}, []string{"p2", "p3"})
	if len(p.ExtraPhotos) != 2 || p.ExtraPhotos[0] != "p2" {
		t.Fatalf("got extra photos %v", p.ExtraPhotos)
	}
}

func waBody(message string) []byte {
	return []byte(`{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"555000"},
		"messages":[` + message + `]}}]}]}`)
}

func TestParseWhatsApp(t *testing.T) {
	tests := []struct {
		name  string
		body  []byte
		check func(t *testing.T, p *ParsedMessage)
	}{
		{
			name: "text",
			body: waBody(`{"from":"34600111222","id":"wamid.1","type":"text","text":{"body":"hola"}}`),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindText || p.Text != "hola" {
					t.Fatalf("got kind %q text %q", p.Kind, p.Text)
				}
				if p.ChatID != "34600111222" || p.MessageID != "wamid.1" {
					t.Fatalf("got chat %q message %q", p.ChatID, p.MessageID)
				}
			},
		},
		{
			name: "image with caption",
			body: waBody(`{"from":"1","id":"m","type":"image","image":{"id":"img9","caption":"what is this"}}`),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindImage || p.ImageFileID != "img9" || p.Caption != "what is this" {
					t.Fatalf("got %+v", p)
				}
			},
		},
		{
			name: "document",
			body: waBody(`{"from":"1","id":"m","type":"document","document":{"id":"d4","filename":"notes.txt","mime_type":"text/plain"}}`),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindDoc || p.DocFileID != "d4" || p.DocFilename != "notes.txt" {
					t.Fatalf("got %+v", p)
				}
			},
		},
		{
			name: "audio",
			body: waBody(`{"from":"1","id":"m","type":"audio","audio":{"id":"a1"}}`),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindVoice || p.VoiceFileID != "a1" {
					t.Fatalf("got %+v", p)
				}
			},
		},
		{
			name: "voice note",
			body: waBody(`{"from":"1","id":"m","type":"voice","voice":{"id":"v7"}}`),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindVoice || p.VoiceFileID != "v7" {
					t.Fatalf("got %+v", p)
				}
			},
		},
		{
			name: "reply context id",
			body: waBody(`{"from":"1","id":"m","type":"text","text":{"body":"yes"},"context":{"id":"wamid.prev"}}`),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.ContextID != "wamid.prev" {
					t.Fatalf("got context %q", p.ContextID)
				}
			},
		},
		{
			name: "unsupported type",
			body: waBody(`{"from":"1","id":"m","type":"sticker"}`),
			check: func(t *testing.T, p *ParsedMessage) {
				if p.Kind != KindOther {
					t.Fatalf("got kind %q", p.Kind)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phoneID, p, err := ParseWhatsApp(tt.body)
			if err != nil {
				t.Fatal(err)
			}
			if phoneID != "555000" && tt.name == "text" {
				t.Fatalf("got phone number id %q", phoneID)
			}
			if p == nil {
				t.Fatal("got nil message")
			}
			tt.check(t, p)
		})
	}
}

func TestParseWhatsAppStatusOnly(t *testing.T) {
	body := []byte(`{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"555000"},
		"statuses":[{"id":"wamid.x","status":"delivered"}]}}]}]}`)
	phoneID, p, err := ParseWhatsApp(body)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("expected nil message, got %+v", p)
	}
	if phoneID != "555000" {
		t.Fatalf("got phone number id %q", phoneID)
	}
}

func TestParseWhatsAppBadJSON(t *testing.T) {
	if _, _, err := ParseWhatsApp([]byte("{")); err == nil {
		t.Fatal("expected error")
	}
}
