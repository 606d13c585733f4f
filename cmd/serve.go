package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/claudio-sh/claudio/internal/agent"
	"github.com/claudio-sh/claudio/internal/config"
	"github.com/claudio-sh/claudio/internal/daemon"
	"github.com/claudio-sh/claudio/internal/dispatch"
	"github.com/claudio-sh/claudio/internal/history"
	"github.com/claudio-sh/claudio/internal/media"
	"github.com/claudio-sh/claudio/internal/memory"
	"github.com/claudio-sh/claudio/internal/pipeline"
	"github.com/claudio-sh/claudio/internal/platform/telegram"
	"github.com/claudio-sh/claudio/internal/platform/whatsapp"
)

// shutdownGrace covers the longest job a drain can be waiting on.
const shutdownGrace = dispatch.DrainTimeout

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook dispatcher",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	log := setupLogging()
	base := resolveBaseDir()
	svc := config.LoadServiceConfig(base)

	registry, err := config.NewRegistry(botsDir(base), log)
	if err != nil {
		log.Error("serve.registry_failed", "error", err)
		os.Exit(1)
	}
	defer registry.Close()
	if err := registry.Watch(); err != nil {
		log.Warn("serve.watch_failed", "error", err)
	}

	var mem *memory.Client
	if svc.MemoryEnabled {
		mem = memory.NewClient(socketPath(base))
	}

	mgr := &runtimeManager{
		registry: registry,
		svc:      svc,
		mem:      mem,
		log:      log,
		cache:    make(map[string]*dispatch.Runtime),
	}

	srv := dispatch.NewServer(
		fmt.Sprintf("127.0.0.1:%d", svc.Port),
		svc.PublicURL,
		mgr,
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			log.Info("serve.reload_signal")
			registry.Reload()
		}
	}()

	var wg sync.WaitGroup
	if len(svc.TunnelCommand) > 0 {
		sup := daemon.New(daemon.Child{Name: "tunnel", Command: svc.TunnelCommand}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.Run(ctx); err != nil {
				log.Error("serve.tunnel_failed", "error", err)
			}
		}()
	}
	if svc.MemoryEnabled {
		self, err := os.Executable()
		if err == nil {
			sup := daemon.New(daemon.Child{
				Name:    "memoryd",
				Command: []string{self, "memoryd", "--base-dir", base},
				Ready:   daemon.SocketReady(socketPath(base)),
			}, log)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sup.Run(ctx); err != nil {
					log.Error("serve.memoryd_failed", "error", err)
				}
			}()
		} else {
			log.Warn("serve.no_executable_path", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("serve.shutdown_signal")
	case err := <-errCh:
		if err != nil {
			log.Error("serve.listen_failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("serve.shutdown_incomplete", "error", err)
	}
	wg.Wait()
	mgr.Close()
	log.Info("serve.stopped")
}

// runtimeManager builds and caches one dispatch runtime per bot. The
// registry hands out a fresh BotConfig pointer after every reload, which
// doubles as the cache invalidation signal.
type runtimeManager struct {
	registry *config.Registry
	svc      *config.ServiceConfig
	mem      *memory.Client
	log      *slog.Logger

	mu    sync.Mutex
	cache map[string]*dispatch.Runtime
}

func (m *runtimeManager) Runtime(botID string) (*dispatch.Runtime, bool) {
	cfg, ok := m.registry.Bot(botID)
	if !ok {
		return nil, false
	}
	return m.runtimeFor(cfg)
}

func (m *runtimeManager) RuntimeBySecret(token string) (*dispatch.Runtime, bool) {
	cfg, ok := m.registry.MatchSecret(token)
	if !ok {
		return nil, false
	}
	return m.runtimeFor(cfg)
}

func (m *runtimeManager) Reload() {
	m.registry.Reload()
}

func (m *runtimeManager) RuntimeByPhoneNumberID(phoneNumberID string) (*dispatch.Runtime, bool) {
	cfg, ok := m.registry.BotByPhoneNumberID(phoneNumberID)
	if !ok {
		return nil, false
	}
	return m.runtimeFor(cfg)
}

func (m *runtimeManager) Runtimes() []*dispatch.Runtime {
	var all []*dispatch.Runtime
	for _, cfg := range m.registry.All() {
		if rt, ok := m.runtimeFor(cfg); ok {
			all = append(all, rt)
		}
	}
	return all
}

func (m *runtimeManager) runtimeFor(cfg *config.BotConfig) (*dispatch.Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.cache[cfg.ID]; ok && rt.Cfg == cfg {
		return rt, true
	}
	rt, err := m.build(cfg)
	if err != nil {
		m.log.Error("serve.runtime_failed", "bot", cfg.ID, "error", err)
		return nil, false
	}
	m.cache[cfg.ID] = rt
	return rt, true
}

func (m *runtimeManager) build(cfg *config.BotConfig) (*dispatch.Runtime, error) {
	hist, err := history.Open(cfg.HistoryDBPath(), m.log)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	runner, err := agent.NewRunner(agent.Options{
		BotDir:         cfg.Dir,
		TelegramToken:  cfg.TelegramToken,
		TelegramChatID: cfg.TelegramChatID,
		MCPCommand:     m.svc.MCPCommand,
		Usage:          hist,
		Log:            m.log,
	})
	if err != nil {
		hist.Close()
		return nil, fmt.Errorf("build runner: %w", err)
	}

	var speech pipeline.Speech
	if m.svc.ElevenKey != "" {
		sp, err := media.NewSpeech(m.svc.ElevenKey, m.svc.VoiceID, m.svc.TTSModel, m.svc.STTModel, m.log)
		if err != nil {
			m.log.Warn("serve.speech_disabled", "bot", cfg.ID, "error", err)
		} else {
			speech = sp
		}
	}
	var memC pipeline.MemoryClient
	if m.mem != nil {
		memC = m.mem
	}

	rt := &dispatch.Runtime{Cfg: cfg}

	if cfg.HasTelegram() {
		tg, err := telegram.New(cfg.TelegramToken, m.log)
		if err != nil {
			hist.Close()
			return nil, fmt.Errorf("telegram client: %w", err)
		}
		rt.Telegram = &pipeline.Handler{
			Bot: cfg, Client: tg, Hist: hist,
			Runner: runner, Memory: memC, Speech: speech, Log: m.log,
		}
		rt.Admin = tg
	}
	if cfg.HasWhatsApp() {
		wa := whatsapp.New(cfg.WhatsAppPhoneNumberID, cfg.WhatsAppAccessToken, m.log)
		rt.WhatsApp = &pipeline.Handler{
			Bot: cfg, Client: wa, Hist: hist,
			Runner: runner, Memory: memC, Speech: speech, Log: m.log,
		}
	}
	return rt, nil
}

// Close releases per-bot resources.
func (m *runtimeManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rt := range m.cache {
		if rt.Telegram != nil && rt.Telegram.Hist != nil {
			_ = rt.Telegram.Hist.Close()
		} else if rt.WhatsApp != nil && rt.WhatsApp.Hist != nil {
			_ = rt.WhatsApp.Hist.Close()
		}
		delete(m.cache, id)
	}
}
