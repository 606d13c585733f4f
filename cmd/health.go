package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudio-sh/claudio/internal/config"
	"github.com/claudio-sh/claudio/internal/health"
	"github.com/claudio-sh/claudio/internal/platform/telegram"
)

func healthCmd() *cobra.Command {
	var serviceName string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run one health check round (probe, restart, rotate, alert)",
		Long:  "Probes the dispatcher's health endpoint and restarts the service when it stays down. Also rotates oversized logs, flags disk pressure and stale backups, and scans recent log errors. Meant to run from cron or a systemd timer.",
		Run: func(cmd *cobra.Command, args []string) {
			runHealth(serviceName)
		},
	}
	cmd.Flags().StringVar(&serviceName, "service", "claudio", "service unit to restart when unhealthy")
	return cmd
}

func runHealth(serviceName string) {
	log := setupLogging()
	base := resolveBaseDir()
	svc := config.LoadServiceConfig(base)

	registry, err := config.NewRegistry(botsDir(base), log)
	if err != nil {
		log.Error("health.registry_failed", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	// Alerts go straight to the first bot's operator chat. The check
	// must not depend on the service it is checking.
	var alert health.Alerter
	if cfg, ok := registry.First(); ok && cfg.HasTelegram() && cfg.TelegramChatID != "" {
		tg, err := telegram.New(cfg.TelegramToken, log)
		if err != nil {
			log.Warn("health.alerter_unavailable", "error", err)
		} else {
			chatID := cfg.TelegramChatID
			alert = func(ctx context.Context, text string) error {
				return tg.SendMessage(ctx, chatID, text, "")
			}
		}
	}

	ctrl := health.New(health.Config{
		BaseDir:     base,
		HealthURL:   fmt.Sprintf("http://127.0.0.1:%d/health", svc.Port),
		ServiceName: serviceName,
		LogPath:     svc.LogPath,
		BackupDir:   svc.BackupDir,
		DiskPath:    base,
	}, alert, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := ctrl.Check(ctx); err != nil {
		log.Warn("health.unhealthy", "detail", err)
		os.Exit(1)
	}
}
