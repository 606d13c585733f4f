package config

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var botIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateBotID rejects identifiers that could escape the bots directory.
func ValidateBotID(id string) bool {
	if id == "" || strings.Contains(id, "..") || strings.Contains(id, "/") || strings.HasPrefix(id, ".") {
		return false
	}
	return botIDPattern.MatchString(id)
}

// Registry tracks the bots installed under a bots directory. Lookups are
// served from a cache that is invalidated when the directory changes.
type Registry struct {
	botsDir string
	log     *slog.Logger

	mu      sync.RWMutex
	bots    map[string]*BotConfig
	secrets []secretEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type secretEntry struct {
	secret []byte
	botID  string
}

// NewRegistry creates a registry rooted at botsDir and performs an
// initial scan.
func NewRegistry(botsDir string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(botsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve bots dir: %w", err)
	}
	r := &Registry{
		botsDir: abs,
		log:     log,
		done:    make(chan struct{}),
	}
	r.reload()
	return r, nil
}

// Watch starts a filesystem watch on the bots directory and reloads the
// registry whenever bot.env files change. Safe to skip on platforms
// where watching is unavailable.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(r.botsDir); err != nil {
		w.Close()
		return fmt.Errorf("watch bots dir: %w", err)
	}
	r.watcher = w
	go func() {
		for {
			select {
			case <-r.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					r.log.Debug("registry.reload", "event", ev.Op.String(), "path", ev.Name)
					r.reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Warn("registry.watch_error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload rescans the bots directory on demand. The fsnotify watcher
// calls the same path; this is for the /reload route and SIGHUP.
func (r *Registry) Reload() { r.reload() }

func (r *Registry) reload() {
	entries, err := os.ReadDir(r.botsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("registry.scan_failed", "dir", r.botsDir, "error", err)
		}
		entries = nil
	}
	bots := make(map[string]*BotConfig)
	var secrets []secretEntry
	for _, e := range entries {
		if !e.IsDir() || !ValidateBotID(e.Name()) {
			continue
		}
		envPath := filepath.Join(r.botsDir, e.Name(), "bot.env")
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		cfg := LoadBotConfig(r.botsDir, e.Name())
		bots[cfg.ID] = cfg
		if cfg.WebhookSecret != "" {
			secrets = append(secrets, secretEntry{secret: []byte(cfg.WebhookSecret), botID: cfg.ID})
		}
	}
	r.mu.Lock()
	r.bots = bots
	r.secrets = secrets
	r.mu.Unlock()
}

// Bot resolves a bot id to its config. The id is validated and the bot
// directory is checked to resolve (through symlinks) under the bots dir.
func (r *Registry) Bot(id string) (*BotConfig, bool) {
	if !ValidateBotID(id) {
		return nil, false
	}
	r.mu.RLock()
	cfg, ok := r.bots[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	resolved, err := filepath.EvalSymlinks(cfg.Dir)
	if err != nil {
		return nil, false
	}
	root, err := filepath.EvalSymlinks(r.botsDir)
	if err != nil {
		return nil, false
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		r.log.Warn("registry.bot_outside_root", "bot", id)
		return nil, false
	}
	return cfg, true
}

// All returns every registered bot, sorted by id.
func (r *Registry) All() []*BotConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*BotConfig, 0, len(r.bots))
	for _, cfg := range r.bots {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchSecret finds the bot whose webhook secret equals the presented
// token. Every registered secret is compared in constant time so the
// lookup leaks no timing information about which entry matched.
func (r *Registry) MatchSecret(token string) (*BotConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tb := []byte(token)
	var matched string
	for _, entry := range r.secrets {
		if subtle.ConstantTimeCompare(entry.secret, tb) == 1 {
			matched = entry.botID
		}
	}
	if matched == "" {
		return nil, false
	}
	cfg, ok := r.bots[matched]
	return cfg, ok
}

// BotByPhoneNumberID resolves an incoming WhatsApp webhook to the bot
// configured with that phone number id.
func (r *Registry) BotByPhoneNumberID(phoneNumberID string) (*BotConfig, bool) {
	if phoneNumberID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cfg := range r.bots {
		if cfg.WhatsAppPhoneNumberID == phoneNumberID {
			return cfg, true
		}
	}
	return nil, false
}

// First returns the first bot in id order, used for surfaces that are not
// bot-addressed (Alexa, operator alerts).
func (r *Registry) First() (*BotConfig, bool) {
	all := r.All()
	if len(all) == 0 {
		return nil, false
	}
	return all[0], true
}

// BotsDir returns the registry root.
func (r *Registry) BotsDir() string {
	return r.botsDir
}
