package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/claudio-sh/claudio/internal/agent"
	"github.com/claudio-sh/claudio/internal/config"
	"github.com/claudio-sh/claudio/internal/history"
	"github.com/claudio-sh/claudio/internal/media"
	"github.com/claudio-sh/claudio/internal/platform"
	"github.com/claudio-sh/claudio/internal/textutil"
)

// typingInterval refreshes the platform activity indicator while the
// agent runs.
const typingInterval = 4 * time.Second

// Canned replies.
const (
	replyUnsupported    = "Sorry, I don't support that message type yet."
	replyImageFailed    = "Sorry, I couldn't download your image. Please try again."
	replyDocFailed      = "Sorry, I couldn't download your file. Please try again."
	replyVoiceFailed    = "Sorry, I couldn't download your voice message. Please try again."
	replyNoVoiceSupport = "_Voice messages require ELEVENLABS_API_KEY to be configured._"
	replyNoResponse     = "Sorry, I couldn't get a response. Please try again."
	replyError          = "Sorry, an error occurred while processing your message. Please try again."
	replyGreeting       = "_Hola!_ Send me a message and I'll forward it to Claude Code."
)

// AgentRunner is the slice of the agent runner the pipeline needs.
type AgentRunner interface {
	Run(ctx context.Context, prompt, model string) (*agent.Result, error)
}

// MemoryClient is the slice of the memory daemon client the pipeline
// needs. A nil MemoryClient disables memory entirely.
type MemoryClient interface {
	Retrieve(botID, query string, topK int) (string, error)
	Consolidate(botID string) error
}

// Speech is the slice of the speech service the pipeline needs.
type Speech interface {
	Configured() bool
	Synthesize(ctx context.Context, text string) (string, error)
	Transcribe(ctx context.Context, path string) (string, error)
}

// Handler processes parsed messages for one bot on one platform.
type Handler struct {
	Bot    *config.BotConfig
	Client platform.Client
	Hist   *history.Store
	Runner AgentRunner
	Memory MemoryClient
	Speech Speech
	Log    *slog.Logger
}

// Handle runs the full pipeline for one message. It never returns an
// error: every failure path resolves into a reply (or a logged drop).
func (h *Handler) Handle(ctx context.Context, p *ParsedMessage) {
	log := h.Log
	if log == nil {
		log = slog.Default()
	}
	if p == nil {
		return
	}
	// Recover before any work so a panicking job never takes its queue
	// worker down.
	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline.panic", "recovered", r)
			h.reply(ctx, p, replyError)
		}
	}()
	if !h.authorized(p) {
		log.Warn("pipeline.unauthorized", "platform", h.Client.Name(), "chat", p.ChatID)
		return
	}
	if p.Kind == KindOther {
		h.reply(ctx, p, replyUnsupported)
		return
	}

	text := p.Text
	if text == "" {
		text = p.Caption
	}
	if text == "" && p.ImageFileID == "" && p.DocFileID == "" && p.VoiceFileID == "" {
		return
	}

	// Commands act before any context is attached.
	if handled := h.handleCommand(ctx, p, text); handled {
		return
	}

	// Reply context rides ahead of the user's text.
	if prefix := h.replyContext(p); prefix != "" {
		text = prefix + text
	}

	h.Client.Ack(ctx, p.ChatID, p.MessageID)

	var tempFiles []string
	defer func() { media.Cleanup(tempFiles...) }()

	// Images, including any merged album companions.
	var imagePaths []string
	if p.ImageFileID != "" {
		ids := append([]string{p.ImageFileID}, p.ExtraPhotos...)
		for _, id := range ids {
			path, err := h.Client.Download(ctx, id, media.PrefixImage, media.ValidateImage)
			if err != nil {
				log.Warn("pipeline.image_download_failed", "error", err)
				h.reply(ctx, p, replyImageFailed)
				return
			}
			tempFiles = append(tempFiles, path)
			if withExt, renameErr := media.RenameWithExt(path, p.ImageExt); renameErr == nil {
				tempFiles[len(tempFiles)-1] = withExt
				path = withExt
			}
			if err := media.SanitizeImage(path); err != nil {
				log.Warn("pipeline.image_sanitize_failed", "error", err)
				h.reply(ctx, p, replyImageFailed)
				return
			}
			imagePaths = append(imagePaths, path)
		}
	}

	// Document.
	var docPath string
	if p.DocFileID != "" {
		path, err := h.Client.Download(ctx, p.DocFileID, media.PrefixDoc, nil)
		if err != nil {
			log.Warn("pipeline.doc_download_failed", "error", err)
			h.reply(ctx, p, replyDocFailed)
			return
		}
		tempFiles = append(tempFiles, path)
		if withExt, renameErr := media.RenameWithExt(path, extFromFilename(p.DocFilename)); renameErr == nil {
			tempFiles[len(tempFiles)-1] = withExt
			path = withExt
		}
		docPath = path
	}

	// Voice: transcribe and fold into the text.
	var transcription string
	isVoice := p.VoiceFileID != ""
	if isVoice {
		if h.Speech == nil || !h.Speech.Configured() {
			h.reply(ctx, p, replyNoVoiceSupport)
			return
		}
		path, err := h.Client.Download(ctx, p.VoiceFileID, media.PrefixVoice, media.ValidateAudio)
		if err != nil {
			log.Warn("pipeline.voice_download_failed", "error", err)
			h.reply(ctx, p, replyVoiceFailed)
			return
		}
		tempFiles = append(tempFiles, path)
		if withExt, renameErr := media.RenameWithExt(path, h.voiceExt()); renameErr == nil {
			tempFiles[len(tempFiles)-1] = withExt
			path = withExt
		}
		transcription, err = h.Speech.Transcribe(ctx, path)
		if err != nil {
			log.Warn("pipeline.transcription_failed", "error", err)
			h.reply(ctx, p, replyVoiceFailed)
			return
		}
		if text != "" {
			text = transcription + "\n\n" + text
		} else {
			text = transcription
		}
	}

	prompt := buildMediaPrompt(text, imagePaths, docPath, p.DocFilename)
	if prompt == "" {
		return
	}

	stopTyping := h.startTyping(ctx, p.ChatID, isVoice)
	defer stopTyping()

	historyContext := h.historyContext(ctx, p.ChatID)
	memories := h.retrieveMemories(prompt)

	result, err := h.Runner.Run(ctx, agent.BuildPrompt(prompt, agent.PromptContext{
		Memories: memories,
		History:  historyContext,
	}), h.Bot.Model)
	if err != nil {
		log.Error("pipeline.agent_failed", "error", err)
		h.reply(ctx, p, replyError)
		return
	}
	response := strings.TrimSpace(result.Response)

	h.recordHistory(ctx, p, text, transcription, imagePaths, response, result)

	if response == "" {
		h.reply(ctx, p, replyNoResponse)
		return
	}

	if isVoice && h.Speech != nil && h.Speech.Configured() {
		if voicePath, synthErr := h.Speech.Synthesize(ctx, response); synthErr == nil {
			tempFiles = append(tempFiles, voicePath)
			if h.Client.SendVoice(ctx, p.ChatID, voicePath, p.MessageID) {
				h.consolidateAsync()
				return
			}
		} else {
			log.Warn("pipeline.tts_failed", "error", synthErr)
		}
	}

	h.reply(ctx, p, response)
	h.consolidateAsync()
}

// authorized enforces the per-bot allowlist. An unconfigured identity
// rejects everything: fail closed, not open.
func (h *Handler) authorized(p *ParsedMessage) bool {
	switch h.Client.Name() {
	case "telegram":
		return h.Bot.TelegramChatID != "" && p.ChatID == h.Bot.TelegramChatID
	case "whatsapp":
		return h.Bot.WhatsAppPhoneNumber != "" && p.ChatID == h.Bot.WhatsAppPhoneNumber
	}
	return false
}

// handleCommand intercepts slash commands. Returns true when the message
// was consumed.
func (h *Handler) handleCommand(ctx context.Context, p *ParsedMessage, text string) bool {
	cmd := strings.ToLower(strings.TrimSpace(text))
	switch cmd {
	case "/start":
		h.reply(ctx, p, replyGreeting)
		return true
	case "/opus", "/sonnet", "/haiku":
		model := strings.TrimPrefix(cmd, "/")
		if err := config.SaveModel(h.Bot, model); err != nil {
			h.reply(ctx, p, replyError)
			return true
		}
		h.reply(ctx, p, fmt.Sprintf("_Switched to %s model._", titleCase(model)))
		return true
	}
	return false
}

// replyContext renders the quoted-reply prefix.
func (h *Handler) replyContext(p *ParsedMessage) string {
	switch h.Client.Name() {
	case "telegram":
		if p.ReplyToText != "" {
			return fmt.Sprintf("[Replying to %s: \"%s\"]\n\n", p.ReplyToFrom, textutil.Sanitize(p.ReplyToText))
		}
	case "whatsapp":
		if p.ContextID != "" {
			return "[Replying to a previous message]\n\n"
		}
	}
	return ""
}

func (h *Handler) voiceExt() string {
	if h.Client.Name() == "whatsapp" {
		return "ogg"
	}
	return "oga"
}

// buildMediaPrompt appends media references to the user text, inventing
// a default instruction when the user sent media with no words.
func buildMediaPrompt(text string, imagePaths []string, docPath, docName string) string {
	switch {
	case len(imagePaths) == 1:
		ref := fmt.Sprintf("[The user sent an image at %s]", imagePaths[0])
		if text == "" {
			return ref + "\n\nDescribe this image."
		}
		return ref + "\n\n" + text
	case len(imagePaths) > 1:
		ref := fmt.Sprintf("[The user sent %d images at: %s]", len(imagePaths), strings.Join(imagePaths, ", "))
		if text == "" {
			return ref + "\n\nDescribe these images."
		}
		return ref + "\n\n" + text
	case docPath != "":
		ref := fmt.Sprintf("[The user sent a file %q at %s]", docName, docPath)
		if text == "" {
			return ref + "\n\nRead this file and summarize its contents."
		}
		return ref + "\n\n" + text
	}
	return text
}

// startTyping refreshes the activity indicator until the returned stop
// function is called.
func (h *Handler) startTyping(ctx context.Context, chatID string, voice bool) func() {
	done := make(chan struct{})
	go func() {
		h.Client.Typing(ctx, chatID, voice)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Client.Typing(ctx, chatID, voice)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// historyContext renders the recent conversation window for the prompt.
func (h *Handler) historyContext(ctx context.Context, chatID string) string {
	if h.Hist == nil {
		return ""
	}
	turns, err := h.Hist.Recent(ctx, chatID, h.Bot.MaxHistoryLines)
	if err != nil || len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		label := "H"
		if t.Role == "assistant" {
			label = "A"
		}
		lines = append(lines, label+": "+t.Content)
	}
	return "Here is the recent conversation history for context:\n\n" + strings.Join(lines, "\n\n") + "\n\n"
}

func (h *Handler) retrieveMemories(query string) string {
	if h.Memory == nil {
		return ""
	}
	result, err := h.Memory.Retrieve(h.Bot.ID, query, 5)
	if err != nil {
		// Memory trouble never blocks a reply.
		return ""
	}
	return result
}

// recordHistory persists the user turn (with media placeholders) and the
// assistant turn (notifier plus tool plus response).
func (h *Handler) recordHistory(ctx context.Context, p *ParsedMessage, text, transcription string, imagePaths []string, response string, result *agent.Result) {
	if h.Hist == nil {
		return
	}
	userEntry := text
	caption := p.Caption
	switch {
	case transcription != "":
		userEntry = fmt.Sprintf("[Sent a voice message: %s]", transcription)
	case len(imagePaths) > 1 && caption != "":
		userEntry = fmt.Sprintf("[Sent %d images with caption: %s]", len(imagePaths), caption)
	case len(imagePaths) > 1:
		userEntry = fmt.Sprintf("[Sent %d images]", len(imagePaths))
	case len(imagePaths) == 1 && caption != "":
		userEntry = fmt.Sprintf("[Sent an image with caption: %s]", caption)
	case len(imagePaths) == 1:
		userEntry = "[Sent an image]"
	case p.DocFileID != "" && caption != "":
		userEntry = fmt.Sprintf("[Sent a file %q with caption: %s]", p.DocFilename, caption)
	case p.DocFileID != "" && response != "":
		userEntry = fmt.Sprintf("[Sent a file %q: %s]", p.DocFilename, textutil.Summarize(response))
	case p.DocFileID != "":
		userEntry = fmt.Sprintf("[Sent a file %q]", p.DocFilename)
	}
	if err := h.Hist.Append(ctx, p.ChatID, "user", textutil.Sanitize(userEntry)); err != nil {
		return
	}

	var parts []string
	parts = append(parts, result.Notifiers...)
	parts = append(parts, result.ToolLines...)
	if response != "" {
		parts = append(parts, response)
	}
	if len(parts) == 0 {
		return
	}
	_ = h.Hist.Append(ctx, p.ChatID, "assistant", textutil.Sanitize(strings.Join(parts, "\n")))
}

func (h *Handler) consolidateAsync() {
	if h.Memory == nil {
		return
	}
	go func() {
		if err := h.Memory.Consolidate(h.Bot.ID); err != nil && h.Log != nil {
			h.Log.Debug("pipeline.consolidate_failed", "error", err)
		}
	}()
}

func (h *Handler) reply(ctx context.Context, p *ParsedMessage, text string) {
	if err := h.Client.SendMessage(ctx, p.ChatID, text, p.MessageID); err != nil && h.Log != nil {
		h.Log.Error("pipeline.reply_failed", "chat", p.ChatID, "error", err)
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
