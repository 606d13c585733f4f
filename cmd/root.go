package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/claudio-sh/claudio/cmd.Version=v1.0.0"
var Version = "dev"

var (
	baseDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "claudio",
	Short: "Claudio — chat bridge to Claude Code",
	Long:  "Claudio bridges Telegram, WhatsApp, and Alexa to the Claude Code CLI: one webhook dispatcher, per-bot pipelines with voice and media support, and a long-term memory daemon.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "installation directory (default: ~/.claudio or $CLAUDIO_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(memorydCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("claudio %s\n", Version)
		},
	}
}

// resolveBaseDir picks the installation directory: flag, env, then the
// home default.
func resolveBaseDir() string {
	if baseDir != "" {
		return baseDir
	}
	if v := os.Getenv("CLAUDIO_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claudio"
	}
	return filepath.Join(home, ".claudio")
}

// setupLogging installs the process-wide slog handler.
func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// socketPath is where the memory daemon listens.
func socketPath(base string) string {
	return filepath.Join(base, "memory.sock")
}

func botsDir(base string) string {
	return filepath.Join(base, "bots")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
