package sink

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-mailer/internal/metrics"
	"github.com/shineum/smtp-mailer/internal/parser"
)

// idleTimeout bounds the wait for each line from the client.
const idleTimeout = 60 * time.Second

// defaultMaxMessageSize is used when Config.MaxMessageSize is unset (10 MB).
const defaultMaxMessageSize = 10 * 1024 * 1024

// errQuit ends a session after QUIT has been answered.
var errQuit = errors.New("client quit")

// reply is one SMTP response; each entry of lines is sent as its own line.
type reply struct {
	code  int
	lines []string
}

func replyf(code int, format string, args ...any) reply {
	return reply{code: code, lines: []string{fmt.Sprintf(format, args...)}}
}

// transaction is the envelope collected between MAIL and DATA.
type transaction struct {
	from  string
	rcpts []string
}

// command handles one verb. A zero reply sends nothing; a non-nil error
// ends the session after the reply is written.
type command func(s *Session, ctx context.Context, arg string) (reply, error)

var commands = map[string]command{
	"HELO":     func(s *Session, _ context.Context, arg string) (reply, error) { return s.greet(false, arg), nil },
	"EHLO":     func(s *Session, _ context.Context, arg string) (reply, error) { return s.greet(true, arg), nil },
	"STARTTLS": (*Session).startTLS,
	"AUTH":     (*Session).auth,
	"MAIL":     (*Session).mail,
	"RCPT":     (*Session).rcpt,
	"DATA":     (*Session).data,
	"RSET":     (*Session).rset,
	"NOOP":     func(*Session, context.Context, string) (reply, error) { return replyf(250, "OK"), nil },
	"QUIT":     func(*Session, context.Context, string) (reply, error) { return replyf(221, "Bye"), errQuit },
}

// Session is one client connection to the capture server.
type Session struct {
	srv  *Server
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	// helo is the name the client greeted with, empty until HELO or EHLO.
	helo     string
	loggedIn bool
	secure   bool

	// tx is nil outside a mail transaction.
	tx *transaction
}

// NewSession creates a session for conn served by srv.
func NewSession(conn net.Conn, srv *Server) *Session {
	s := &Session{srv: srv}
	s.attach(conn)
	_, s.secure = conn.(*tls.Conn)
	return s
}

func (s *Session) attach(conn net.Conn) {
	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.bw = bufio.NewWriter(conn)
}

// Handle greets the client and answers commands until QUIT, a connection
// error or cancellation of ctx.
func (s *Session) Handle(ctx context.Context) {
	defer func() { s.conn.Close() }()

	if err := s.send(replyf(220, "%s ESMTP smtp-mailer sink", s.srv.config.Hostname)); err != nil {
		return
	}

	for ctx.Err() == nil {
		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg := splitVerb(line)
		s.srv.transcript.add(redact(verb, line))

		run, ok := commands[verb]
		if !ok {
			if err := s.send(replyf(500, "Unrecognized command")); err != nil {
				return
			}
			continue
		}

		r, err := run(s, ctx, arg)
		if r.code != 0 {
			if werr := s.send(r); werr != nil {
				slog.Debug("failed to write reply", "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, errQuit) {
				slog.Debug("session ended", "error", err)
			}
			return
		}
	}
	s.send(replyf(421, "Service shutting down"))
}

func (s *Session) greet(extended bool, name string) reply {
	verb := "HELO"
	if extended {
		verb = "EHLO"
	}
	if name == "" {
		return replyf(501, "Syntax: %s hostname", verb)
	}

	s.helo = name
	s.tx = nil

	hello := fmt.Sprintf("%s Hello %s", s.srv.config.Hostname, name)
	if !extended {
		return replyf(250, "%s", hello)
	}
	r := reply{code: 250, lines: []string{hello}}
	if s.srv.config.TLSConfig != nil && !s.secure {
		r.lines = append(r.lines, "STARTTLS")
	}
	if s.srv.auth.Enabled() {
		r.lines = append(r.lines, "AUTH "+strings.Join(s.srv.auth.Mechanisms(), " "))
	}
	r.lines = append(r.lines, "8BITMIME", "DSN", fmt.Sprintf("SIZE %d", s.srv.config.MaxMessageSize), "OK")
	return r
}

// startTLS upgrades the connection. Everything learned before the
// handshake is forgotten, so the client must greet again.
func (s *Session) startTLS(context.Context, string) (reply, error) {
	cfg := s.srv.config.TLSConfig
	switch {
	case cfg == nil:
		return replyf(454, "TLS not available"), nil
	case s.secure:
		return replyf(454, "TLS already active"), nil
	}

	if err := s.send(replyf(220, "Ready to start TLS")); err != nil {
		return reply{}, err
	}
	conn := tls.Server(s.conn, cfg)
	if err := conn.Handshake(); err != nil {
		slog.Warn("TLS handshake failed", "remote", s.conn.RemoteAddr().String(), "error", err)
		return reply{}, fmt.Errorf("tls handshake: %w", err)
	}

	s.attach(conn)
	s.secure = true
	s.helo, s.loggedIn, s.tx = "", false, nil
	return reply{}, nil
}

// auth runs a SASL exchange, relaying challenges as 334 replies.
func (s *Session) auth(_ context.Context, arg string) (reply, error) {
	switch {
	case s.helo == "":
		return replyf(503, "Send EHLO/HELO first"), nil
	case !s.srv.auth.Enabled():
		return replyf(503, "AUTH not available"), nil
	case s.loggedIn:
		return replyf(503, "Already authenticated"), nil
	}

	mech, initial, _ := strings.Cut(arg, " ")
	server, ok := s.srv.auth.NewServer(mech)
	if !ok {
		return replyf(504, "Unrecognized authentication type"), nil
	}

	// nil means no initial response; "=" is an empty one.
	var resp []byte
	switch initial {
	case "":
	case "=":
		resp = []byte{}
	default:
		decoded, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			return replyf(501, "Invalid base64 data"), nil
		}
		resp = decoded
	}

	for {
		challenge, done, err := server.Next(resp)
		if err != nil {
			return replyf(535, "Authentication failed"), nil
		}
		if done {
			break
		}

		if err := s.send(replyf(334, "%s", base64.StdEncoding.EncodeToString(challenge))); err != nil {
			return reply{}, err
		}
		line, err := s.readLine()
		if err != nil {
			return reply{}, err
		}
		s.srv.transcript.add("[redacted]")
		if line == "*" {
			return replyf(501, "Authentication cancelled"), nil
		}
		if resp, err = base64.StdEncoding.DecodeString(line); err != nil {
			return replyf(501, "Invalid base64 data"), nil
		}
	}

	s.loggedIn = true
	return replyf(235, "Authentication successful"), nil
}

func (s *Session) mail(_ context.Context, arg string) (reply, error) {
	switch {
	case s.helo == "":
		return replyf(503, "Send EHLO/HELO first"), nil
	case s.srv.auth.Enabled() && !s.loggedIn:
		return replyf(530, "Authentication required"), nil
	}

	from, ok := pathArg(arg, "FROM:")
	if !ok {
		return replyf(501, "Syntax: MAIL FROM:<address>"), nil
	}
	s.tx = &transaction{from: from}
	return replyf(250, "OK"), nil
}

func (s *Session) rcpt(_ context.Context, arg string) (reply, error) {
	if s.tx == nil {
		return replyf(503, "Send MAIL FROM first"), nil
	}

	to, ok := pathArg(arg, "TO:")
	if !ok {
		return replyf(501, "Syntax: RCPT TO:<address>"), nil
	}
	if filter := s.srv.config.RcptFilter; filter != nil {
		if err := filter(to); err != nil {
			slog.Debug("recipient rejected", "rcpt", to, "error", err)
			return replyf(550, "Recipient rejected: %v", err), nil
		}
	}

	s.tx.rcpts = append(s.tx.rcpts, to)
	return replyf(250, "OK"), nil
}

// data receives the message and hands it to the handler. The transaction
// ends whatever the outcome.
func (s *Session) data(ctx context.Context, _ string) (reply, error) {
	if s.tx == nil || len(s.tx.rcpts) == 0 {
		return replyf(503, "Send RCPT TO first"), nil
	}
	if err := s.send(replyf(354, "Start mail input; end with <CRLF>.<CRLF>")); err != nil {
		return reply{}, err
	}

	raw, fits, err := s.readMessage(s.srv.config.MaxMessageSize)
	if err != nil {
		return reply{}, fmt.Errorf("reading message: %w", err)
	}
	tx := s.tx
	s.tx = nil
	if !fits {
		return replyf(552, "Message size exceeds limit"), nil
	}
	return s.deliver(ctx, tx, raw), nil
}

// readMessage reads up to the lone dot and undoes dot-stuffing. Once the
// message passes limit bytes the rest is read and dropped and fits is false.
func (s *Session) readMessage(limit int) ([]byte, bool, error) {
	var buf bytes.Buffer
	fits := true
	for {
		line, err := s.readRaw()
		if err != nil {
			return nil, false, err
		}
		if strings.TrimRight(line, "\r\n") == "." {
			return buf.Bytes(), fits, nil
		}
		if !fits {
			continue
		}

		line = strings.TrimPrefix(line, ".")
		if buf.Len()+len(line) > limit {
			fits = false
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}
}

func (s *Session) deliver(ctx context.Context, tx *transaction, raw []byte) reply {
	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		metrics.SinkMessages.WithLabelValues("parseerror").Inc()
		return replyf(550, "Failed to process message")
	}

	h := s.srv.config.Handler
	d := &Delivery{
		MailFrom: tx.from,
		RcptTo:   tx.rcpts,
		Raw:      raw,
		Message:  msg,
		Received: time.Now(),
	}
	if err := h.Handle(ctx, d); err != nil {
		slog.Error("handler failed", "handler", h.Name(), "error", err)
		metrics.SinkMessages.WithLabelValues("handlererror").Inc()
		return replyf(451, "Temporary failure, please try again later")
	}

	metrics.SinkMessages.WithLabelValues("accepted").Inc()
	return replyf(250, "OK message queued")
}

func (s *Session) rset(context.Context, string) (reply, error) {
	s.tx = nil
	return replyf(250, "OK"), nil
}

// send writes r, marking every line but the last as a continuation.
func (s *Session) send(r reply) error {
	for i, text := range r.lines {
		sep := " "
		if i < len(r.lines)-1 {
			sep = "-"
		}
		fmt.Fprintf(s.bw, "%d%s%s\r\n", r.code, sep, text)
	}
	return s.bw.Flush()
}

// readRaw reads one line, terminator included, within the idle timeout.
func (s *Session) readRaw() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
		return "", err
	}
	return s.br.ReadString('\n')
}

func (s *Session) readLine() (string, error) {
	line, err := s.readRaw()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// splitVerb returns the upper-cased command verb of line and the rest.
func splitVerb(line string) (verb, arg string) {
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// redact hides the SASL payload of an AUTH line.
func redact(verb, line string) string {
	if verb != "AUTH" {
		return line
	}
	if f := strings.Fields(line); len(f) > 2 {
		return f[0] + " " + f[1] + " [redacted]"
	}
	return line
}

// pathArg parses a MAIL FROM or RCPT TO argument. keyword is matched
// case-insensitively; ESMTP parameters after the path are ignored.
func pathArg(arg, keyword string) (string, bool) {
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", false
	}
	addr := extractAddress(arg[len(keyword):])
	return addr, addr != ""
}

// extractAddress returns the address of an SMTP path, with or without angle
// brackets, dropping anything after it.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "<"); ok {
		addr, _, closed := strings.Cut(rest, ">")
		if !closed {
			return ""
		}
		return addr
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr
}
