package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/claudio-sh/claudio/internal/agent"
	"github.com/claudio-sh/claudio/internal/config"
	"github.com/claudio-sh/claudio/internal/history"
	"github.com/claudio-sh/claudio/internal/memory"
)

// reconsolidateSchedule runs nightly maintenance while nobody is
// talking to the bots.
const reconsolidateSchedule = "0 4 * * *"

func memorydCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "memoryd",
		Short: "Run the memory daemon",
		Long:  "Serves memory retrieval and consolidation for every bot over a unix socket, and reconsolidates nightly: pruning decayed memories, merging near-duplicates, and distilling old episodes into semantic facts.",
		Run: func(cmd *cobra.Command, args []string) {
			runMemoryd()
		},
	}
}

func runMemoryd() {
	log := setupLogging()
	base := resolveBaseDir()
	svc := config.LoadServiceConfig(base)

	var embedder memory.Embedder
	if svc.EmbeddingURL != "" {
		embedder = memory.NewHTTPEmbedder(svc.EmbeddingURL)
	} else {
		log.Warn("memoryd.no_embedder", "detail", "retrieval falls back to full-text search")
	}
	embeddingModel := svc.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = memory.DefaultEmbeddingModel
	}

	var llm memory.LLM
	runner, err := agent.NewRunner(agent.Options{BotDir: base, Log: log})
	if err != nil {
		log.Warn("memoryd.no_llm", "detail", "consolidation disabled", "error", err)
	} else {
		llm = runner
	}

	engine := memory.NewEngine(embedder, llm, func(botID string) (*memory.Store, *history.Store, error) {
		if !config.ValidateBotID(botID) {
			return nil, nil, fmt.Errorf("invalid bot id %q", botID)
		}
		cfg := config.LoadBotConfig(botsDir(base), botID)
		if _, err := os.Stat(cfg.Dir); err != nil {
			return nil, nil, fmt.Errorf("unknown bot %q", botID)
		}
		mem, err := memory.Open(cfg.MemoryDBPath(), embeddingModel, log)
		if err != nil {
			return nil, nil, err
		}
		hist, err := history.Open(cfg.HistoryDBPath(), log)
		if err != nil {
			mem.Close()
			return nil, nil, err
		}
		return mem, hist, nil
	}, log)
	defer engine.Close()

	srv := memory.NewServer(engine, socketPath(base), log)
	if err := srv.Start(); err != nil {
		log.Error("memoryd.listen_failed", "error", err)
		os.Exit(1)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(reconsolidateSchedule, func() {
		log.Info("memoryd.reconsolidate_start")
		engine.ReconsolidateAll(context.Background())
		log.Info("memoryd.reconsolidate_done")
	}); err != nil {
		log.Error("memoryd.schedule_failed", "error", err)
	}
	sched.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	<-sched.Stop().Done()
	srv.Stop()
	log.Info("memoryd.stopped")
}
