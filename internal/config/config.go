package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Models the agent runner accepts.
var ValidModels = map[string]bool{
	"opus":   true,
	"sonnet": true,
	"haiku":  true,
}

const (
	DefaultModel           = "haiku"
	DefaultMaxHistoryLines = 100
	DefaultPort            = 8421
	DefaultVoiceID         = "iP95p4xoKVk53GoZ742B"
	DefaultTTSModel        = "eleven_multilingual_v2"
	DefaultSTTModel        = "scribe_v1"
)

// BotConfig is the per-bot configuration loaded from bots/<id>/bot.env.
type BotConfig struct {
	ID  string
	Dir string

	TelegramToken  string
	TelegramChatID string
	WebhookSecret  string

	WhatsAppPhoneNumberID string
	WhatsAppAccessToken   string
	WhatsAppAppSecret     string
	WhatsAppVerifyToken   string
	WhatsAppPhoneNumber   string

	Model           string
	MaxHistoryLines int
}

// EnvPath returns the bot.env path for this bot.
func (c *BotConfig) EnvPath() string {
	return filepath.Join(c.Dir, "bot.env")
}

// HistoryDBPath returns the per-bot conversation history database path.
func (c *BotConfig) HistoryDBPath() string {
	return filepath.Join(c.Dir, "history.db")
}

// MemoryDBPath returns the per-bot memory database path.
func (c *BotConfig) MemoryDBPath() string {
	return filepath.Join(c.Dir, "memory.db")
}

// HasTelegram reports whether the bot has Telegram credentials.
func (c *BotConfig) HasTelegram() bool {
	return c.TelegramToken != ""
}

// HasWhatsApp reports whether the bot has WhatsApp Cloud API credentials.
func (c *BotConfig) HasWhatsApp() bool {
	return c.WhatsAppPhoneNumberID != "" && c.WhatsAppAccessToken != ""
}

// LoadBotConfig reads bots/<id>/bot.env into a BotConfig. Unset keys get
// defaults; a missing file yields a config with only defaults set.
func LoadBotConfig(botsDir, id string) *BotConfig {
	dir := filepath.Join(botsDir, id)
	vals := ParseEnvFile(filepath.Join(dir, "bot.env"))

	cfg := &BotConfig{
		ID:  id,
		Dir: dir,

		TelegramToken:  vals["TELEGRAM_BOT_TOKEN"],
		TelegramChatID: vals["TELEGRAM_CHAT_ID"],
		WebhookSecret:  vals["WEBHOOK_SECRET"],

		WhatsAppPhoneNumberID: vals["WHATSAPP_PHONE_NUMBER_ID"],
		WhatsAppAccessToken:   vals["WHATSAPP_ACCESS_TOKEN"],
		WhatsAppAppSecret:     vals["WHATSAPP_APP_SECRET"],
		WhatsAppVerifyToken:   vals["WHATSAPP_VERIFY_TOKEN"],
		WhatsAppPhoneNumber:   vals["WHATSAPP_PHONE_NUMBER"],

		Model:           vals["MODEL"],
		MaxHistoryLines: DefaultMaxHistoryLines,
	}
	if !ValidModels[cfg.Model] {
		cfg.Model = DefaultModel
	}
	if raw := vals["MAX_HISTORY_LINES"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.MaxHistoryLines = n
		}
	}
	return cfg
}

// SaveModel validates model and rewrites the bot's env file with the new
// MODEL value, preserving every other key and the original key order.
func SaveModel(cfg *BotConfig, model string) error {
	if !ValidModels[model] {
		return fmt.Errorf("invalid model %q", model)
	}
	path := cfg.EnvPath()
	vals := ParseEnvFile(path)
	order := envKeyOrder(path)
	vals["MODEL"] = model
	if !contains(order, "MODEL") {
		order = append(order, "MODEL")
	}
	if err := WriteEnvFile(path, vals, order); err != nil {
		return err
	}
	cfg.Model = model
	return nil
}

// ServiceConfig holds the installation-wide settings from service.env.
type ServiceConfig struct {
	Port          int
	PublicURL     string
	ElevenKey     string
	VoiceID       string
	TTSModel      string
	STTModel      string
	MemoryEnabled bool

	// TunnelCommand exposes the local port publicly, e.g.
	// "cloudflared tunnel run claudio". Empty disables the tunnel.
	TunnelCommand []string

	// MCPCommand launches the claudio-tools MCP server for agent runs.
	MCPCommand []string

	// EmbeddingURL points at the local embedding sidecar.
	EmbeddingURL   string
	EmbeddingModel string

	LogPath   string
	BackupDir string
}

// LoadServiceConfig reads service.env from the base directory.
func LoadServiceConfig(baseDir string) *ServiceConfig {
	vals := ParseEnvFile(filepath.Join(baseDir, "service.env"))
	cfg := &ServiceConfig{
		Port:          DefaultPort,
		ElevenKey:     vals["ELEVENLABS_API_KEY"],
		VoiceID:       DefaultVoiceID,
		TTSModel:      DefaultTTSModel,
		STTModel:      DefaultSTTModel,
		MemoryEnabled: true,
	}
	if raw := vals["PORT"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < 65536 {
			cfg.Port = n
		}
	}
	if v := vals["ELEVENLABS_VOICE_ID"]; v != "" {
		cfg.VoiceID = v
	}
	if v := vals["ELEVENLABS_MODEL"]; v != "" {
		cfg.TTSModel = v
	}
	if v := vals["ELEVENLABS_STT_MODEL"]; v != "" {
		cfg.STTModel = v
	}
	if v, ok := vals["MEMORY_ENABLED"]; ok {
		cfg.MemoryEnabled = v == "1"
	}
	cfg.PublicURL = vals["PUBLIC_URL"]
	if v := vals["TUNNEL_COMMAND"]; v != "" {
		cfg.TunnelCommand = strings.Fields(v)
	}
	if v := vals["MCP_COMMAND"]; v != "" {
		cfg.MCPCommand = strings.Fields(v)
	}
	cfg.EmbeddingURL = vals["EMBEDDING_URL"]
	cfg.EmbeddingModel = vals["EMBEDDING_MODEL"]
	cfg.LogPath = vals["LOG_FILE"]
	cfg.BackupDir = vals["BACKUP_DIR"]
	return cfg
}

// envKeyOrder scans the raw file so the rewrite preserves the original
// key order instead of map iteration order.
func envKeyOrder(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var order []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if keyPattern.MatchString(key) && !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}
	return order
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
