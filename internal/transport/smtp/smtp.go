// Package smtp delivers messages over an SMTP session, optionally keeping the
// session open between messages.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	smtpclient "github.com/shineum/smtp-mailer/internal/smtp"
	"github.com/shineum/smtp-mailer/internal/transport"
)

// Config holds the SMTP relay settings.
type Config struct {
	Host string
	Port int
	User string
	Pass string

	// Timeout bounds connecting, each reply and stalled writes.
	Timeout time.Duration

	// KeepAlive keeps the session open after a message, resetting it with
	// RSET instead of QUIT.
	KeepAlive bool

	// Crypto is "", "tls" (STARTTLS) or "ssl" (implicit TLS).
	Crypto string

	// DSN requests delivery status notifications for every recipient.
	DSN bool

	// AuthMechanism is smtpclient.MechLogin (default) or smtpclient.MechPlain.
	AuthMechanism string

	LocalName string
	TLSConfig *tls.Config
}

// auth reports whether credentials are configured.
func (c Config) auth() bool {
	return c.User != "" && c.Pass != ""
}

// Transport drives one SMTP session per message, or one session for many
// messages when KeepAlive is set or a batch is open.
type Transport struct {
	cfg    Config
	client *smtpclient.Client

	// batch holds the session open between sends until EndBatch.
	batch bool
}

var _ transport.Batcher = (*Transport)(nil)

// New creates a Transport. No connection is made until the first Send.
func New(cfg Config) *Transport {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &Transport{cfg: cfg}
}

// Send runs connect, authentication and one mail transaction. The first
// rejected recipient ends the transaction before DATA.
func (t *Transport) Send(ctx context.Context, env *transport.Envelope) error {
	if t.cfg.Host == "" {
		return transport.ErrNoHost
	}
	if len(env.Recipients) == 0 {
		return transport.ErrNoRecipients
	}

	if err := t.connect(ctx, env.EightBit); err != nil {
		t.closeClient()
		return err
	}
	if err := t.authenticate(); err != nil {
		t.end(err)
		return err
	}
	if err := t.transact(env); err != nil {
		t.end(err)
		return err
	}
	t.end(nil)
	return nil
}

// connect opens the session unless a kept-alive one is still open.
func (t *Transport) connect(ctx context.Context, eightBit bool) error {
	if t.client != nil && t.client.Connected() {
		return nil
	}

	c, err := smtpclient.Dial(ctx, smtpclient.Config{
		Host:      t.cfg.Host,
		Port:      t.cfg.Port,
		Timeout:   t.cfg.Timeout,
		Crypto:    t.cfg.Crypto,
		LocalName: t.cfg.LocalName,
		TLSConfig: t.cfg.TLSConfig,
	})
	if err != nil {
		return err
	}
	t.client = c

	if t.cfg.Crypto == "tls" && !c.TLS() {
		if err := c.Hello(true); err != nil {
			return err
		}
		return c.StartTLS()
	}
	return c.Hello(t.cfg.auth() || eightBit)
}

// authenticate logs in once per session.
func (t *Transport) authenticate() error {
	if !t.cfg.auth() || t.client.Authenticated() {
		return nil
	}
	return t.client.Auth(smtpclient.NewSASLClient(t.cfg.AuthMechanism, t.cfg.User, t.cfg.Pass))
}

func (t *Transport) transact(env *transport.Envelope) error {
	if err := t.client.Mail(env.Sender); err != nil {
		return err
	}
	for _, rcpt := range env.Recipients {
		if err := t.client.Rcpt(rcpt, t.cfg.DSN); err != nil {
			return err
		}
	}
	return t.client.Data(env.Header, env.Body)
}

// end finishes the session after a message: RSET when the session is kept
// open, QUIT otherwise. After an I/O failure (cause is not a reply error) the
// connection is closed without either. A message the server has accepted
// stays delivered, so failures here are only logged.
func (t *Transport) end(cause error) {
	if t.client == nil {
		return
	}

	var replyErr *smtpclient.Error
	if cause != nil && !errors.As(cause, &replyErr) {
		t.closeClient()
		return
	}

	if t.cfg.KeepAlive || t.batch {
		if err := t.client.Reset(); err != nil {
			slog.Warn("smtp reset failed, closing session", "error", err)
			t.closeClient()
		}
		return
	}
	t.quit()
}

// quit sends QUIT and drops the client whatever the server answers.
func (t *Transport) quit() {
	if err := t.client.Quit(); err != nil {
		slog.Warn("smtp quit failed", "error", err)
	}
	t.client = nil
}

// BeginBatch keeps the session open across the following sends.
func (t *Transport) BeginBatch() {
	t.batch = true
}

// EndBatch ends a batch and sends QUIT unless KeepAlive holds the session.
func (t *Transport) EndBatch() {
	t.batch = false
	if t.cfg.KeepAlive || t.client == nil {
		return
	}
	if !t.client.Connected() {
		t.client = nil
		return
	}
	t.quit()
}

func (t *Transport) closeClient() {
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

func (t *Transport) Name() string {
	return transport.SMTP.String()
}

// Close ends a kept-alive session with QUIT and closes the connection.
func (t *Transport) Close() error {
	if t.client == nil || !t.client.Connected() {
		t.client = nil
		return nil
	}
	err := t.client.Quit()
	t.client = nil
	return err
}

// Connected reports whether a session is open.
func (t *Transport) Connected() bool {
	return t.client != nil && t.client.Connected()
}
