// Package main is the entry point for the mailer command.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shineum/smtp-mailer/internal/config"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Compose and deliver email",
	Long: `mailer composes MIME messages and delivers them through the local
mail command, a sendmail binary, an SMTP relay or AWS SES.

Example:
  mailer send --to someone@example.com --subject Hi --body "Hello"
  mailer send --protocol smtp --bcc-file list.txt --batch 100 --body-file news.md --markdown
  mailer sink --listen :2525`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sinkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration from the --config path (YAML + env
// override) or from environment variables only, then applies the logging
// flags and installs the logger.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	setupLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// setupLogger configures the global slog logger. The json format writes
// one JSON object per record; anything else uses the human-readable
// charmbracelet handler.
func setupLogger(w io.Writer, level, format string) {
	lvl := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: lvl,
		})
	default:
		handler = log.NewWithOptions(w, log.Options{
			Level:           log.Level(lvl),
			ReportTimestamp: true,
		})
	}
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
