package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-mailer/internal/config"
	"github.com/shineum/smtp-mailer/internal/metrics"
	"github.com/shineum/smtp-mailer/internal/sink"
	mtls "github.com/shineum/smtp-mailer/internal/tls"
)

var (
	sinkListen        string
	sinkMetricsListen string
	sinkImplicitTLS   bool
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run an SMTP server that prints every message it receives",
	Long: `Run a capture SMTP server for testing. Every accepted message is parsed
and printed to stdout. STARTTLS is offered with the configured certificate,
or with a self-signed one when none is configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if sinkListen != "" {
			cfg.Sink.Listen = sinkListen
		}
		if sinkMetricsListen != "" {
			cfg.Sink.MetricsListen = sinkMetricsListen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		return runSink(ctx, cfg, sinkImplicitTLS)
	},
}

func init() {
	f := sinkCmd.Flags()
	f.StringVarP(&sinkListen, "listen", "l", "", "address to listen on (default from configuration)")
	f.StringVar(&sinkMetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	f.BoolVar(&sinkImplicitTLS, "implicit-tls", false, "wrap the listener in TLS instead of offering STARTTLS")
}

// runSink serves the capture server, and the metrics endpoint when one is
// configured, until ctx is cancelled.
func runSink(ctx context.Context, cfg *config.Config, implicitTLS bool) error {
	tlsConfig, err := mtls.ServerConfig(cfg.Sink.CertFile, cfg.Sink.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	tlsMode := "self-signed"
	if cfg.Sink.CertFile != "" && cfg.Sink.KeyFile != "" {
		tlsMode = "file"
	}

	server := sink.New(sink.Config{
		ListenAddr:     cfg.Sink.Listen,
		Hostname:       cfg.Sink.Hostname,
		Handler:        sink.NewPrinter(),
		TLSConfig:      tlsConfig,
		ImplicitTLS:    implicitTLS,
		AuthUsername:   cfg.Sink.Username,
		AuthPassword:   cfg.Sink.Password,
		MaxMessageSize: int(cfg.Sink.MaxMessageSize),
	})

	if cfg.Sink.MetricsListen != "" {
		stopMetrics := serveMetrics(cfg.Sink.MetricsListen)
		defer stopMetrics()
	}

	slog.Info("starting capture server",
		"listen", cfg.Sink.Listen,
		"auth_enabled", cfg.SinkAuthEnabled(),
		"tls_mode", tlsMode,
		"implicit_tls", implicitTLS,
	)

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("capture server stopped")
	return nil
}

// serveMetrics starts the metrics endpoint in the background and returns a
// function that shuts it down.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("serving metrics", "listen", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
