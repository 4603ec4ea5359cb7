package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pauljones0/tg-site-mirror/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfig string
	flagEnv    string
	cfg        *config.Config

	logOutput io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:           "mirror",
	Short:         "Mirror a Telegram channel to a static site and a VK wall",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(flagEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", flagEnv, err)
		}
		c, err := config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		cfg = c
		slog.SetDefault(newLogger(cfg.Log))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default ./mirror.* or ./config/mirror.*)")
	rootCmd.PersistentFlags().StringVar(&flagEnv, "env-file", ".env", "dotenv file loaded before configuration")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger(c config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(logOutput, opts))
	}
	return slog.New(slog.NewJSONHandler(logOutput, opts))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// No configuration needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mirror %s (commit: %s)\n", version, commit)
	},
}
