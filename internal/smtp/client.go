// Package smtp implements the client side of the SMTP protocol: connection
// setup with implicit TLS or STARTTLS, SASL authentication and the mail
// transaction commands.
package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/shineum/smtp-mailer/internal/metrics"
)

// DefaultTimeout applies to connect, each write and each reply when
// Config.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// defaultPause is the wait between write attempts that made no progress.
const defaultPause = 250 * time.Millisecond

// Reply codes the client expects.
const (
	CodeReady        = 220
	CodeClosing      = 221
	CodeAuthOK       = 235
	CodeOK           = 250
	CodeAuthContinue = 334
	CodeStartData    = 354
	CodeBadSequence  = 503
)

var (
	// ErrNotConnected is returned by commands issued after Quit or Close.
	ErrNotConnected = errors.New("smtp: not connected")

	// ErrAuthFailed wraps replies that reject an authentication attempt.
	ErrAuthFailed = errors.New("smtp: authentication failed")

	// ErrTLS wraps TLS handshake failures.
	ErrTLS = errors.New("smtp: tls error")

	// ErrWriteStalled is returned when the server stops accepting data for
	// longer than the timeout.
	ErrWriteStalled = errors.New("smtp: write stalled")

	// ErrProtocol is returned for malformed replies.
	ErrProtocol = errors.New("smtp: protocol error")
)

// Error is a reply whose code differs from the expected one.
type Error struct {
	// Command is the verb that was answered, e.g. "RCPT".
	Command string

	Code     int
	Expected int

	// Reply is the full reply text, lines joined with "\n".
	Reply string

	// Err is an optional category such as ErrAuthFailed.
	Err error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: expected %d, got: %s", e.Command, e.Expected, e.Reply)
	if e.Err != nil {
		s = e.Err.Error() + ": " + s
	}
	return s
}

// Unwrap returns the category error, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent reports whether the server signalled a permanent failure.
func (e *Error) Permanent() bool {
	return e.Code/100 == 5
}

// Config describes how to reach the server.
type Config struct {
	Host string
	Port int

	// Timeout bounds connecting, every reply and every stalled write.
	Timeout time.Duration

	// Crypto is "" for plain connections, "tls" for STARTTLS and "ssl" for
	// implicit TLS. Port 465 always uses implicit TLS.
	Crypto string

	// LocalName is sent with EHLO and HELO. Defaults to "localhost".
	LocalName string

	// TLSConfig is used for both TLS modes. ServerName defaults to Host.
	TLSConfig *tls.Config
}

// ImplicitTLS reports whether the connection is wrapped in TLS from the
// start.
func (c Config) ImplicitTLS() bool {
	return c.Port == 465 || c.Crypto == "ssl"
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) localName() string {
	if c.LocalName == "" {
		return "localhost"
	}
	return c.LocalName
}

func (c Config) tlsConfig() *tls.Config {
	cfg := c.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = c.Host
	}
	return cfg
}

// Client is one SMTP session. It is not safe for concurrent use.
type Client struct {
	cfg   Config
	conn  net.Conn
	r     *bufio.Reader
	tls   bool
	pause time.Duration

	authenticated bool

	// lastReply is the text of the most recent reply.
	lastReply string
}

// Dial connects to the configured server and reads its greeting.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.timeout()}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: connect to %s: %w", addr, err)
	}
	if cfg.ImplicitTLS() {
		tlsConn, err := handshake(ctx, conn, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	slog.Debug("smtp connected", "addr", addr, "implicit_tls", cfg.ImplicitTLS())
	return NewClient(conn, cfg)
}

// handshake runs the client side of a TLS handshake on conn within the
// configured timeout.
func handshake(ctx context.Context, conn net.Conn, cfg Config) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, cfg.tlsConfig())
	if err := conn.SetDeadline(time.Now().Add(cfg.timeout())); err != nil {
		return nil, err
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: handshake: %v", ErrTLS, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// NewClient wraps an established connection and reads the 220 greeting.
// The connection is closed if the greeting is not accepted.
func NewClient(conn net.Conn, cfg Config) (*Client, error) {
	_, isTLS := conn.(*tls.Conn)
	c := &Client{
		cfg:   cfg,
		conn:  conn,
		r:     bufio.NewReader(conn),
		tls:   isTLS,
		pause: defaultPause,
	}
	if _, err := c.expect("CONNECT", CodeReady); err != nil {
		conn.Close()
		c.conn = nil
		return nil, err
	}
	return c, nil
}

// Hello greets the server with EHLO when extended is set and HELO
// otherwise.
func (c *Client) Hello(extended bool) error {
	verb := "HELO"
	if extended {
		verb = "EHLO"
	}
	_, err := c.cmd(CodeOK, verb, verb+" "+c.cfg.localName())
	return err
}

// StartTLS upgrades the connection with STARTTLS and greets again with EHLO.
func (c *Client) StartTLS() error {
	if _, err := c.cmd(CodeReady, "STARTTLS", "STARTTLS"); err != nil {
		return err
	}

	tlsConn, err := handshake(context.Background(), c.conn, c.cfg)
	if err != nil {
		return err
	}

	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.tls = true
	return c.Hello(true)
}

// TLS reports whether the session is encrypted.
func (c *Client) TLS() bool {
	return c.tls
}

// Auth runs a SASL exchange. A 503 reply to the AUTH command means the
// session is already authenticated and counts as success.
func (c *Client) Auth(a sasl.Client) error {
	mech, ir, err := a.Start()
	if err != nil {
		return err
	}

	line := "AUTH " + mech
	if ir != nil {
		if len(ir) == 0 {
			line += " ="
		} else {
			line += " " + base64.StdEncoding.EncodeToString(ir)
		}
	}

	code, msg, err := c.exchange("AUTH", line, "AUTH "+mech+" [redacted]")
	if err != nil {
		return err
	}
	if code == CodeBadSequence {
		c.authenticated = true
		return nil
	}

	for {
		switch code {
		case CodeAuthOK:
			c.authenticated = true
			return nil
		case CodeAuthContinue:
			challenge, _ := base64.StdEncoding.DecodeString(replyText(msg))
			resp, err := a.Next(challenge)
			if err != nil {
				c.exchange("AUTH", "*", "*")
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			code, msg, err = c.exchange("AUTH", base64.StdEncoding.EncodeToString(resp), "[redacted]")
			if err != nil {
				return err
			}
		default:
			return &Error{Command: "AUTH", Code: code, Expected: CodeAuthOK, Reply: msg, Err: ErrAuthFailed}
		}
	}
}

// Authenticated reports whether Auth succeeded on this session.
func (c *Client) Authenticated() bool {
	return c.authenticated
}

// Mail starts a transaction for the envelope sender from.
func (c *Client) Mail(from string) error {
	_, err := c.cmd(CodeOK, "MAIL", "MAIL FROM:<"+from+">")
	return err
}

// dsnParams requests success, delay and failure notifications.
const dsnParams = " NOTIFY=SUCCESS,DELAY,FAILURE ORCPT=rfc822;"

// Rcpt adds a recipient to the transaction, optionally requesting delivery
// status notifications.
func (c *Client) Rcpt(to string, dsn bool) error {
	line := "RCPT TO:<" + to + ">"
	if dsn {
		line += dsnParams + to
	}
	_, err := c.cmd(CodeOK, "RCPT", line)
	return err
}

// Data sends DATA, the header block, the dot-stuffed body and the final
// terminator, and waits for the server to accept the message. Line endings
// go out as CRLF whatever newline the message was rendered with.
func (c *Client) Data(header, body string) error {
	if _, err := c.cmd(CodeStartData, "DATA", "DATA"); err != nil {
		return err
	}

	payload := wireNewlines.Replace(header + DotStuff(body))
	if !strings.HasSuffix(payload, "\r\n") {
		payload += "\r\n"
	}
	if err := c.write(payload + ".\r\n"); err != nil {
		return err
	}
	slog.Debug("smtp data sent", "bytes", len(payload))

	_, err := c.expect("DATA", CodeOK)
	return err
}

// Reset aborts the current transaction with RSET, keeping the session.
func (c *Client) Reset() error {
	_, err := c.cmd(CodeOK, "RSET", "RSET")
	return err
}

// Quit sends QUIT and closes the connection. The connection is closed even
// when the server does not answer 221.
func (c *Client) Quit() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	_, err := c.cmd(CodeClosing, "QUIT", "QUIT")
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without QUIT.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.authenticated = false
	return err
}

// Connected reports whether the connection is still open.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// LastReply returns the text of the last reply read.
func (c *Client) LastReply() string {
	return c.lastReply
}

// cmd sends line and checks the reply code against want.
func (c *Client) cmd(want int, verb, line string) (string, error) {
	code, msg, err := c.exchange(verb, line, line)
	if err != nil {
		return msg, err
	}
	if code != want {
		return msg, &Error{Command: verb, Code: code, Expected: want, Reply: msg}
	}
	return msg, nil
}

// exchange writes line followed by CRLF and reads one reply. logLine is
// what gets logged in place of line.
func (c *Client) exchange(verb, line, logLine string) (int, string, error) {
	if c.conn == nil {
		return 0, "", ErrNotConnected
	}
	slog.Debug("smtp command", "cmd", logLine)
	if err := c.write(line + "\r\n"); err != nil {
		return 0, "", err
	}
	return c.read(verb)
}

// expect reads a reply that was not preceded by a command.
func (c *Client) expect(verb string, want int) (string, error) {
	code, msg, err := c.read(verb)
	if err != nil {
		return msg, err
	}
	if code != want {
		return msg, &Error{Command: verb, Code: code, Expected: want, Reply: msg}
	}
	return msg, nil
}

// read collects reply lines until the final one, whose fourth character is
// a space, and returns the code of that line with all lines joined.
func (c *Client) read(verb string) (int, string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.timeout())); err != nil {
		return 0, "", err
	}

	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return 0, strings.Join(lines, "\n"), fmt.Errorf("smtp: reading %s reply: %w", verb, err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) < 4 || line[3] == ' ' {
			break
		}
	}

	msg := strings.Join(lines, "\n")
	c.lastReply = msg
	last := lines[len(lines)-1]
	if len(last) < 3 {
		return 0, msg, fmt.Errorf("%w: short reply %q", ErrProtocol, last)
	}
	code, err := strconv.Atoi(last[:3])
	if err != nil {
		return 0, msg, fmt.Errorf("%w: malformed reply %q", ErrProtocol, last)
	}

	metrics.SMTPReplies.WithLabelValues(verb, strconv.Itoa(code)).Inc()
	slog.Debug("smtp reply", "cmd", verb, "reply", msg)
	return code, msg, nil
}

func (c *Client) write(s string) error {
	return writeFull(deadlineWriter{c.conn, c.cfg.timeout()}, []byte(s), c.cfg.timeout(), c.pause)
}

// replyText returns the text after the code of the last reply line.
func replyText(msg string) string {
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = msg[i+1:]
	}
	if len(msg) < 4 {
		return ""
	}
	return strings.TrimSpace(msg[4:])
}

// wireNewlines turns bare CR and bare LF into CRLF and leaves CRLF alone.
var wireNewlines = strings.NewReplacer("\r\n", "\r\n", "\r", "\r\n", "\n", "\r\n")

// DotStuff doubles the leading dot of every line so no body line can be
// read as the end-of-data marker.
func DotStuff(body string) string {
	if !strings.Contains(body, ".") {
		return body
	}
	var b strings.Builder
	b.Grow(len(body) + 16)
	start := true
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if start && ch == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(ch)
		start = ch == '\n' || ch == '\r'
	}
	return b.String()
}
