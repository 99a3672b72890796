package mailer

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/smtp-mailer/internal/metrics"
	"github.com/shineum/smtp-mailer/internal/sink"
	"github.com/shineum/smtp-mailer/internal/transport"
)

func startSink(t *testing.T, cfg sink.Config) (*sink.Server, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := sink.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	return srv, ln.Addr().(*net.TCPAddr).Port
}

func smtpConfig(port int) Config {
	cfg := DefaultConfig()
	cfg.Protocol = "smtp"
	cfg.Newline = "\r\n"
	cfg.CRLF = "\r\n"
	cfg.SMTP.Host = "127.0.0.1"
	cfg.SMTP.Port = port
	cfg.SMTP.Timeout = 2 * time.Second
	return cfg
}

func count(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

// Not parallel: asserts on the shared batch counter.
func TestSend_SMTPBatchBCC(t *testing.T) {
	rec := &sink.Recorder{}
	srv, port := startSink(t, sink.Config{Handler: rec, AuthUsername: "user", AuthPassword: "pass"})

	cfg := smtpConfig(port)
	cfg.SMTP.User = "user"
	cfg.SMTP.Pass = "pass"
	cfg.SMTP.KeepAlive = true
	m, _ := newMessage(t, cfg)
	defer m.Close()

	m.SetFrom("sender@example.com", "Sender", "")
	m.SetTo("list@example.com")
	if err := m.SetBCCBatch(2, "b1@example.com", "b2@example.com", "b3@example.com", "b4@example.com", "b5@example.com"); err != nil {
		t.Fatalf("SetBCCBatch: %v", err)
	}
	m.SetSubject("Newsletter")
	m.SetMessage("Hello subscribers")

	before := testutil.ToFloat64(metrics.BatchChunks)
	if err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := testutil.ToFloat64(metrics.BatchChunks); got != before+3 {
		t.Errorf("batch chunks: got %v, want %v", got-before, 3)
	}

	want := []string{
		"list@example.com,b1@example.com,b2@example.com",
		"b3@example.com,b4@example.com",
		"b5@example.com",
	}
	got := rec.Deliveries()
	if len(got) != len(want) {
		t.Fatalf("deliveries: got %d, want %d", len(got), len(want))
	}
	for i, d := range got {
		if rcpt := strings.Join(d.RcptTo, ","); rcpt != want[i] {
			t.Errorf("delivery %d RcptTo: got %q, want %q", i, rcpt, want[i])
		}
		if d.MailFrom != "sender@example.com" {
			t.Errorf("delivery %d MailFrom: got %q", i, d.MailFrom)
		}
		if d.Message.Subject != "Newsletter" {
			t.Errorf("delivery %d Subject: got %q", i, d.Message.Subject)
		}
		if len(d.Message.Bcc) != 0 {
			t.Errorf("delivery %d leaked Bcc header: %v", i, d.Message.Bcc)
		}
		if !strings.Contains(d.Message.TextBody, "Hello subscribers") {
			t.Errorf("delivery %d body: got %q", i, d.Message.TextBody)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	cmds := srv.Commands()
	if n := count(cmds, "EHLO"); n != 1 {
		t.Errorf("EHLO count: got %d, want 1 for one kept-alive session", n)
	}
	if n := count(cmds, "AUTH"); n != 1 {
		t.Errorf("AUTH count: got %d, want 1", n)
	}
	if n := count(cmds, "RSET"); n != 3 {
		t.Errorf("RSET count: got %d, want 3", n)
	}
	if cmds[len(cmds)-1] != "QUIT" {
		t.Errorf("last command: got %q, want QUIT", cmds[len(cmds)-1])
	}

	if snap := m.Archive(); snap == nil || len(snap.Bcc) != 5 {
		t.Errorf("archive should hold the full Bcc list once, got %+v", snap)
	}
}

func TestSend_SMTPBatchSharesSession(t *testing.T) {
	t.Parallel()

	rec := &sink.Recorder{}
	srv, port := startSink(t, sink.Config{Handler: rec, AuthUsername: "user", AuthPassword: "pass"})

	cfg := smtpConfig(port)
	cfg.SMTP.User = "user"
	cfg.SMTP.Pass = "pass"
	m, _ := newMessage(t, cfg)
	defer m.Close()

	m.SetFrom("sender@example.com", "", "")
	m.SetTo("list@example.com")
	if err := m.SetBCCBatch(2, "b1@example.com", "b2@example.com", "b3@example.com", "b4@example.com", "b5@example.com"); err != nil {
		t.Fatalf("SetBCCBatch: %v", err)
	}
	m.SetSubject("Newsletter")
	m.SetMessage("Hello subscribers")

	if err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n := rec.Len(); n != 3 {
		t.Fatalf("deliveries: got %d, want 3", n)
	}

	cmds := srv.Commands()
	if n := count(cmds, "EHLO") + count(cmds, "HELO"); n != 1 {
		t.Errorf("greetings: got %d, want 1 for one session in %q", n, cmds)
	}
	if n := count(cmds, "AUTH"); n != 1 {
		t.Errorf("AUTH count: got %d, want 1", n)
	}
	if n := count(cmds, "QUIT"); n != 1 {
		t.Errorf("QUIT count: got %d, want 1", n)
	}
	if cmds[len(cmds)-1] != "QUIT" {
		t.Errorf("last command: got %q, want QUIT once the batch is done", cmds[len(cmds)-1])
	}
}

func TestSend_SMTPSecondRcptRejected(t *testing.T) {
	t.Parallel()

	rec := &sink.Recorder{}
	srv, port := startSink(t, sink.Config{
		Handler: rec,
		RcptFilter: func(addr string) error {
			if addr == "second@example.com" {
				return errors.New("no such user")
			}
			return nil
		},
	})

	m, _ := newMessage(t, smtpConfig(port))
	m.SetFrom("sender@example.com", "", "")
	m.SetTo("first@example.com, second@example.com")
	m.SetSubject("Hi")
	m.SetMessage("Hello")

	if err := m.Send(context.Background()); err == nil {
		t.Fatal("Send should fail when a recipient is rejected")
	}
	if count(srv.Commands(), "DATA") != 0 {
		t.Errorf("DATA must not be issued: %q", srv.Commands())
	}
	if rec.Len() != 0 {
		t.Errorf("deliveries: got %d, want 0", rec.Len())
	}
	if len(m.Diagnostics()) == 0 {
		t.Error("the failure should be recorded in the diagnostics")
	}
}

func TestSend_SMTPHTMLWithAttachments(t *testing.T) {
	t.Parallel()

	rec := &sink.Recorder{}
	_, port := startSink(t, sink.Config{Handler: rec})

	m, _ := newMessage(t, smtpConfig(port))
	defer m.Close()
	m.SetFrom("sender@example.com", "Zoë Sender", "")
	m.SetTo("to@example.com")
	m.SetCC("cc@example.com")
	m.SetSubject("Quarterly résumé")
	m.SetMailType("html")

	if err := m.AttachReader(strings.NewReader("PNGDATA"), "chart.png", "inline", "image/png"); err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	cid, err := m.MarkInline("chart.png")
	if err != nil {
		t.Fatalf("MarkInline: %v", err)
	}
	if err := m.AttachReader(strings.NewReader("a,b\n"), "data.csv", "", "text/csv"); err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	m.SetMessage(`<html><body><p>See the chart.</p><img src="cid:` + cid + `"></body></html>`)

	if err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := rec.Deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries: got %d, want 1", len(got))
	}
	msg := got[0].Message
	if strings.Join(got[0].RcptTo, ",") != "to@example.com,cc@example.com" {
		t.Errorf("RcptTo: got %v", got[0].RcptTo)
	}
	if msg.Subject != "Quarterly résumé" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if msg.Root.MediaType != "multipart/mixed" {
		t.Errorf("root: got %q, want multipart/mixed", msg.Root.MediaType)
	}
	if !strings.Contains(msg.HTMLBody, `cid:`+cid) {
		t.Errorf("HTML body: got %q", msg.HTMLBody)
	}
	if !strings.Contains(msg.TextBody, "See the chart.") {
		t.Errorf("text alternative: got %q", msg.TextBody)
	}

	names := map[string]string{}
	for _, a := range msg.Attachments {
		names[a.Filename] = string(a.Body)
	}
	if names["chart.png"] != "PNGDATA" || names["data.csv"] != "a,b\n" {
		t.Errorf("attachments: got %v", names)
	}
}

func TestSend_SMTPNoHost(t *testing.T) {
	t.Parallel()

	cfg := smtpConfig(0)
	cfg.SMTP.Host = ""
	m, _ := newMessage(t, cfg)
	m.SetFrom("sender@example.com", "", "")
	m.SetTo("to@example.com")
	if err := m.Send(context.Background()); !errors.Is(err, transport.ErrNoHost) {
		t.Errorf("Send: got %v, want %v", err, transport.ErrNoHost)
	}
}
