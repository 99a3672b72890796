package sink

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-mailer/internal/metrics"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Config holds the configuration for a capture server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	// Handler receives every accepted message.
	Handler Handler

	// TLSConfig enables STARTTLS, or wraps the listener when ImplicitTLS is
	// set. If nil, neither is offered.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// RcptFilter, if set, is consulted for every RCPT TO. A non-nil error
	// rejects the recipient with 550.
	RcptFilter func(addr string) error

	// MaxMessageSize is advertised with SIZE and enforced on DATA.
	// Defaults to 10 MB.
	MaxMessageSize int
}

// Server accepts SMTP connections and passes each message to the Handler.
type Server struct {
	config     Config
	auth       *Authenticator
	transcript *Transcript

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a capture server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.Handler == nil {
		cfg.Handler = &Recorder{}
	}

	return &Server{
		config:     cfg,
		auth:       NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		transcript: &Transcript{},
	}
}

// ListenAndServe listens on ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until the context is cancelled.
// On cancellation it stops accepting and waits up to 30 seconds for
// in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.ImplicitTLS && s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("capture server listening",
		"addr", ln.Addr().String(),
		"handler", s.config.Handler.Name(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"implicit_tls", s.config.ImplicitTLS,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down capture server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}
		metrics.SinkConnections.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Commands returns every command line received so far, across sessions,
// with AUTH payloads redacted.
func (s *Server) Commands() []string {
	return s.transcript.Lines()
}

// Transcript records command lines in arrival order.
type Transcript struct {
	mu    sync.Mutex
	lines []string
}

func (t *Transcript) add(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	t.mu.Unlock()
}

// Lines returns a copy of the recorded lines.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
