package mailer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-mailer/internal/address"
	"github.com/shineum/smtp-mailer/internal/archive"
	"github.com/shineum/smtp-mailer/internal/attachment"
	"github.com/shineum/smtp-mailer/internal/transport"
)

// submission is one call to the mail submitter.
type submission struct {
	recipients []string
	subject    string
	body       string
	headers    string
	senderFlag string
}

// mockSubmitter records submissions and optionally fails them.
type mockSubmitter struct {
	mu    sync.Mutex
	calls []submission
	err   error
}

func (s *mockSubmitter) Submit(_ context.Context, recipients []string, subject, body, headers, senderFlag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submission{
		recipients: append([]string(nil), recipients...),
		subject:    subject,
		body:       body,
		headers:    headers,
		senderFlag: senderFlag,
	})
	return s.err
}

// mockTransport records envelopes and optionally fails them.
type mockTransport struct {
	name   string
	err    error
	sent   []*transport.Envelope
	closed bool
}

func (t *mockTransport) Send(_ context.Context, env *transport.Envelope) error {
	t.sent = append(t.sent, env)
	return t.err
}

func (t *mockTransport) Name() string { return t.name }

func (t *mockTransport) Close() error {
	t.closed = true
	return nil
}

var fixedTime = time.Date(2024, 3, 5, 14, 7, 9, 0, time.FixedZone("", -5*3600))

func newMessage(t *testing.T, cfg Config, opts ...Option) (*Message, *mockSubmitter) {
	t.Helper()
	sub := &mockSubmitter{}
	opts = append([]Option{WithSubmitter(sub), WithClock(func() time.Time { return fixedTime })}, opts...)
	return New(cfg, opts...), sub
}

// headerLines returns the header block split into lines.
func headerLines(block string) []string {
	return strings.Split(strings.TrimRight(strings.ReplaceAll(block, "\r\n", "\n"), "\n"), "\n")
}

func hasHeader(block, name string) bool {
	for _, l := range headerLines(block) {
		if strings.HasPrefix(l, name+": ") {
			return true
		}
	}
	return false
}

func TestSend_PlainMail(t *testing.T) {
	t.Parallel()

	m, sub := newMessage(t, DefaultConfig())
	if err := m.SetFrom("a@x.com", "", ""); err != nil {
		t.Fatalf("SetFrom: %v", err)
	}
	if err := m.SetTo("b@y.com"); err != nil {
		t.Fatalf("SetTo: %v", err)
	}
	m.SetSubject("Hi")
	m.SetMessage("Hello")

	if err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sub.calls) != 1 {
		t.Fatalf("submissions: got %d, want 1", len(sub.calls))
	}

	got := sub.calls[0]
	if !hasHeader(got.headers, "From") {
		t.Errorf("header block has no From: %q", got.headers)
	}
	for _, name := range []string{"Bcc", "To", "Subject"} {
		if hasHeader(got.headers, name) {
			t.Errorf("header block should not carry %s: %q", name, got.headers)
		}
	}
	if !strings.Contains(got.headers, "Content-Type: text/plain; charset=UTF-8\nContent-Transfer-Encoding: 8bit") {
		t.Errorf("content headers missing from header block: %q", got.headers)
	}
	if got.body != "Hello\n" {
		t.Errorf("body: got %q, want %q", got.body, "Hello\n")
	}
	if got.subject != "Hi" {
		t.Errorf("subject: got %q, want %q", got.subject, "Hi")
	}
	if strings.Join(got.recipients, ",") != "b@y.com" {
		t.Errorf("recipients: got %v", got.recipients)
	}
	if got.senderFlag != "-fa@x.com" {
		t.Errorf("sender flag: got %q, want %q", got.senderFlag, "-fa@x.com")
	}
}

func TestSend_StandardHeaders(t *testing.T) {
	t.Parallel()

	m, sub := newMessage(t, DefaultConfig())
	m.SetFrom("sender@example.com", "", "bounce@bounces.example.org")
	m.SetTo("b@y.com")
	m.SetPriority(1)
	m.SetHeader("X-Campaign", "spring\r\nInjected: yes")
	if err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	h := sub.calls[0].headers
	tests := []struct {
		line string
	}{
		{"Date: Tue, 5 Mar 2024 14:07:09 -0500"},
		{"From: <sender@example.com>"},
		{"Return-Path: <bounce@bounces.example.org>"},
		{"Reply-To: <sender@example.com>"},
		{"User-Agent: smtp-mailer"},
		{"X-Sender: sender@example.com"},
		{"X-Mailer: smtp-mailer"},
		{"X-Priority: 1 (Highest)"},
		{"Mime-Version: 1.0"},
		{"X-Campaign: springInjected: yes"},
	}
	lines := headerLines(h)
	for _, tt := range tests {
		found := false
		for _, l := range lines {
			if l == tt.line {
				found = true
			}
		}
		if !found {
			t.Errorf("missing header line %q in %q", tt.line, h)
		}
	}

	var msgID string
	for _, l := range lines {
		if strings.HasPrefix(l, "Message-ID: ") {
			msgID = strings.TrimPrefix(l, "Message-ID: ")
		}
	}
	if !strings.HasPrefix(msgID, "<") || !strings.HasSuffix(msgID, "@bounces.example.org>") {
		t.Errorf("Message-ID: got %q, want <token@bounces.example.org>", msgID)
	}
	if got := sub.calls[0].senderFlag; got != "-fbounce@bounces.example.org" {
		t.Errorf("sender flag: got %q, want the return path", got)
	}
}

func TestSetFrom_DisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		display    string
		wantPrefix string
	}{
		{"none", "", "<a@x.com>"},
		{"ascii", "Jane Doe", `"Jane Doe" <a@x.com>`},
		{"quote escaped", `Jane "JD" Doe`, `"Jane \"JD\" Doe" <a@x.com>`},
		{"non-ascii", "Jöhn", "=?UTF-8?Q?"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newMessage(t, DefaultConfig())
			if err := m.SetFrom("<a@x.com>", tt.display, ""); err != nil {
				t.Fatalf("SetFrom: %v", err)
			}
			if got := m.Header("From"); !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("From: got %q, want prefix %q", got, tt.wantPrefix)
			}
			if got := m.Header("Return-Path"); got != "<a@x.com>" {
				t.Errorf("Return-Path: got %q, want %q", got, "<a@x.com>")
			}
		})
	}
}

func TestSend_MissingFields(t *testing.T) {
	t.Parallel()

	t.Run("no sender", func(t *testing.T) {
		t.Parallel()
		m, sub := newMessage(t, DefaultConfig())
		m.SetTo("b@y.com")
		if err := m.Send(context.Background()); !errors.Is(err, ErrNoSender) {
			t.Fatalf("Send: got %v, want %v", err, ErrNoSender)
		}
		if len(sub.calls) != 0 {
			t.Error("nothing should be submitted")
		}
		if d := m.Diagnostics(); len(d) != 1 || d[0] != ErrNoSender.Error() {
			t.Errorf("diagnostics: got %q", d)
		}
	})

	t.Run("no recipients", func(t *testing.T) {
		t.Parallel()
		m, sub := newMessage(t, DefaultConfig())
		m.SetFrom("a@x.com", "", "")
		if err := m.Send(context.Background()); !errors.Is(err, ErrNoRecipients) {
			t.Fatalf("Send: got %v, want %v", err, ErrNoRecipients)
		}
		if len(sub.calls) != 0 {
			t.Error("nothing should be submitted")
		}
	})

	t.Run("cc only is enough", func(t *testing.T) {
		t.Parallel()
		m, sub := newMessage(t, DefaultConfig())
		m.SetFrom("a@x.com", "", "")
		m.SetCC("c@y.com")
		if err := m.Send(context.Background()); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !hasHeader(sub.calls[0].headers, "Cc") {
			t.Errorf("Cc header missing: %q", sub.calls[0].headers)
		}
	})
}

func TestSend_DefaultSender(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.FromEmail = "noreply@example.com"
	cfg.FromName = "Robot"
	m, sub := newMessage(t, cfg)

	for i := 0; i < 2; i++ {
		m.SetTo("b@y.com")
		if err := m.Send(context.Background()); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for i, call := range sub.calls {
		if !strings.Contains(call.headers, `From: "Robot" <noreply@example.com>`) {
			t.Errorf("call %d: From missing from %q", i, call.headers)
		}
		if !strings.Contains(call.headers, `Reply-To: "Robot" <noreply@example.com>`) {
			t.Errorf("call %d: Reply-To should default to the sender: %q", i, call.headers)
		}
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()

	m, _ := newMessage(t, DefaultConfig())
	err := m.SetTo("good@example.com, not an address")
	if !errors.Is(err, address.ErrInvalidAddress) {
		t.Fatalf("SetTo: got %v, want %v", err, address.ErrInvalidAddress)
	}
	if len(m.Diagnostics()) != 1 {
		t.Errorf("diagnostics: got %q, want one entry", m.Diagnostics())
	}

	cfg := DefaultConfig()
	cfg.Validate = false
	m, _ = newMessage(t, cfg)
	if err := m.SetTo("anything goes"); err != nil {
		t.Errorf("SetTo with validation off: %v", err)
	}

	calls := 0
	m, _ = newMessage(t, DefaultConfig(), WithValidator(address.ValidatorFunc(func(string) bool {
		calls++
		return true
	})))
	if err := m.SetTo("a@x.com", "b@x.com"); err != nil {
		t.Fatalf("SetTo: %v", err)
	}
	if calls != 2 {
		t.Errorf("validator calls: got %d, want 2", calls)
	}
}

func TestSetters(t *testing.T) {
	t.Parallel()

	m, _ := newMessage(t, DefaultConfig())

	for _, tt := range []struct {
		in, want int
	}{{1, 1}, {5, 5}, {0, 3}, {6, 3}, {-1, 3}} {
		m.SetPriority(tt.in)
		if m.priority != tt.want {
			t.Errorf("SetPriority(%d): got %d, want %d", tt.in, m.priority, tt.want)
		}
	}

	for _, tt := range []struct {
		in, want string
	}{{"\r\n", "\r\n"}, {"\n\r", "\n\r"}, {"\r", "\r"}, {"<br>", "\n"}, {"", "\n"}} {
		m.SetNewline(tt.in)
		if m.enc.Newline != tt.want {
			t.Errorf("SetNewline(%q): got %q, want %q", tt.in, m.enc.Newline, tt.want)
		}
		m.SetCRLF(tt.in)
		if m.enc.CRLF != tt.want {
			t.Errorf("SetCRLF(%q): got %q, want %q", tt.in, m.enc.CRLF, tt.want)
		}
	}

	for _, tt := range []struct {
		in   string
		want transport.Protocol
	}{{"SMTP", transport.SMTP}, {" sendmail ", transport.Sendmail}, {"ses", transport.SES}, {"pigeon", transport.Mail}} {
		m.SetProtocol(tt.in)
		if m.Protocol() != tt.want {
			t.Errorf("SetProtocol(%q): got %v, want %v", tt.in, m.Protocol(), tt.want)
		}
	}

	m.SetMailType(" HTML ")
	if !m.html {
		t.Error("SetMailType(HTML) should select html")
	}
	m.SetMailType("rich")
	if m.html {
		t.Error("unknown mail types mean text")
	}

	m.SetMessage("line one\r\nline two  \n\n")
	if m.body != "line one\nline two" {
		t.Errorf("SetMessage: got %q", m.body)
	}

	m.SetSubject("Grüße")
	if got := m.Header("Subject"); !strings.HasPrefix(got, "=?UTF-8?Q?=47=72=C3=BC=C3=9F=65?=") {
		t.Errorf("Subject: got %q", got)
	}
}

func TestSetRecipients_PerProtocol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		protocol  string
		wantTo    bool
		wantBcc   bool
		wantCcHdr bool
	}{
		{"mail", false, true, true},
		{"sendmail", true, true, true},
		{"smtp", true, false, true},
		{"ses", true, false, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.protocol, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Protocol = tt.protocol
			m, _ := newMessage(t, cfg)
			m.SetTo("a@x.com")
			m.SetCC("c@x.com")
			m.SetBCC("h1@x.com, h2@x.com")

			if got := m.Header("To") != ""; got != tt.wantTo {
				t.Errorf("To header present: got %v, want %v", got, tt.wantTo)
			}
			if got := m.Header("Bcc") != ""; got != tt.wantBcc {
				t.Errorf("Bcc header present: got %v, want %v", got, tt.wantBcc)
			}
			if got := m.Header("Cc") != ""; got != tt.wantCcHdr {
				t.Errorf("Cc header present: got %v, want %v", got, tt.wantCcHdr)
			}
		})
	}
}

func TestSend_EnvelopeRecipients(t *testing.T) {
	t.Parallel()

	tests := []struct {
		protocol transport.Protocol
		sender   string
		want     string
	}{
		{transport.Sendmail, "bounce@x.com", "a@x.com"},
		{transport.SMTP, "a@x.com", "a@x.com,c@x.com,h@x.com"},
		{transport.SES, "a@x.com", "a@x.com,c@x.com,h@x.com"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.protocol.String(), func(t *testing.T) {
			t.Parallel()
			tr := &mockTransport{name: tt.protocol.String()}
			cfg := DefaultConfig()
			cfg.Protocol = tt.protocol.String()
			m, _ := newMessage(t, cfg, WithTransport(tt.protocol, tr))
			m.SetFrom("a@x.com", "", "bounce@x.com")
			m.SetTo("a@x.com")
			m.SetCC("c@x.com")
			m.SetBCC("h@x.com")
			m.SetMessage("body")
			if err := m.Send(context.Background()); err != nil {
				t.Fatalf("Send: %v", err)
			}

			env := tr.sent[0]
			if env.Sender != tt.sender {
				t.Errorf("Sender: got %q, want %q", env.Sender, tt.sender)
			}
			if got := strings.Join(env.Recipients, ","); got != tt.want {
				t.Errorf("Recipients: got %q, want %q", got, tt.want)
			}
			if !strings.HasPrefix(env.Body, "Content-Type: text/plain; charset=UTF-8\n") {
				t.Errorf("body should open with the content headers: %q", env.Body)
			}
			if !env.EightBit {
				t.Error("UTF-8 bodies are 8bit")
			}
		})
	}
}

func TestSend_TransportError(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{name: "sendmail", err: errors.New("sendmail failed: Status : 75")}
	cfg := DefaultConfig()
	cfg.Protocol = "sendmail"
	m, _ := newMessage(t, cfg, WithTransport(transport.Sendmail, tr))
	m.SetFrom("a@x.com", "", "")
	m.SetTo("b@y.com")
	m.SetSubject("kept")

	err := m.Send(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Status : 75") {
		t.Fatalf("Send: got %v, want the transport error", err)
	}
	if m.Header("Subject") != "kept" {
		t.Error("a failed send must leave the composition in place")
	}
	if m.Archive() != nil {
		t.Error("a failed send must not be archived")
	}
	if !strings.Contains(m.PrintDebugger("subject"), "Status : 75") {
		t.Errorf("debugger should report the failure: %q", m.PrintDebugger("subject"))
	}
}

func TestMarkInline_RelatedPart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logo.png")
	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatal(err)
	}

	m, sub := newMessage(t, DefaultConfig())
	if err := m.Attach(path, "inline", "", "image/png"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cid, err := m.MarkInline(path)
	if err != nil {
		t.Fatalf("MarkInline: %v", err)
	}
	if cid == "" || !strings.HasPrefix(cid, "logo.png@") {
		t.Errorf("content id: got %q", cid)
	}
	if got := m.Attachments()[0].Group; got != attachment.GroupRelated {
		t.Errorf("group: got %q, want %q", got, attachment.GroupRelated)
	}

	m.SetFrom("a@x.com", "", "")
	m.SetTo("b@y.com")
	m.SetMailType("html")
	m.SetMessage(`<html><body><img src="cid:` + cid + `"></body></html>`)
	if err := m.SendKeep(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	call := sub.calls[0]
	if !strings.Contains(call.headers, `Content-Type: multipart/related; boundary="B_REL_`) {
		t.Errorf("related container missing from headers: %q", call.headers)
	}
	if strings.Contains(call.headers+call.body, "multipart/mixed") {
		t.Error("no mixed container expected without mixed attachments")
	}
	if !strings.Contains(call.body, "Content-ID: <"+cid+">") {
		t.Errorf("Content-ID missing from body: %q", call.body)
	}
	if !strings.Contains(call.body, "MDEyMzQ1Njc4OQ==") {
		t.Error("attachment content missing")
	}

	if _, err := m.MarkInline("missing.png"); !errors.Is(err, attachment.ErrNotFound) {
		t.Errorf("MarkInline(missing): got %v, want %v", err, attachment.ErrNotFound)
	}
}

func TestSend_UnwrapSpecials(t *testing.T) {
	t.Parallel()

	m, sub := newMessage(t, DefaultConfig())
	m.SetWordWrap(false)
	m.SetFrom("a@x.com", "", "")
	m.SetTo("b@y.com")
	m.SetMessage("see {unwrap}http://example.com/\nlong{/unwrap} now")
	if err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := sub.calls[0].body; got != "see http://example.com/long now" {
		t.Errorf("body: got %q", got)
	}
}

func TestSend_ArchiveAndClear(t *testing.T) {
	t.Parallel()

	store := &archive.Memory{}
	m, _ := newMessage(t, DefaultConfig(), WithArchive(store))
	m.SetFrom("a@x.com", "", "")
	m.SetTo("b@y.com")
	m.SetSubject("Report")
	m.SetMessage("Numbers attached")
	if err := m.AttachReader(strings.NewReader("a,b\n1,2\n"), "report.csv", "", ""); err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	if err := m.Send(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	snap := m.Archive()
	if snap == nil {
		t.Fatal("no archive snapshot")
	}
	if snap.Subject != "Report" || snap.From != "a@x.com" || snap.Protocol != "mail" {
		t.Errorf("snapshot: got %+v", snap)
	}
	if strings.Join(snap.Attachments, ",") != "report.csv" {
		t.Errorf("attachments: got %v", snap.Attachments)
	}
	if !snap.SentAt.Equal(fixedTime) {
		t.Errorf("SentAt: got %v, want %v", snap.SentAt, fixedTime)
	}
	list, _ := store.List()
	if len(list) != 1 || list[0].MessageID != snap.MessageID {
		t.Errorf("store: got %d snapshots", len(list))
	}

	if m.Header("Subject") != "" || m.Header("From") != "" {
		t.Error("composition should be cleared after Send")
	}
	if m.Header("Date") == "" {
		t.Error("Clear should stamp a new Date header")
	}
	if len(m.Attachments()) != 1 {
		t.Error("attachments survive an automatic clear")
	}
	m.Clear(true)
	if len(m.Attachments()) != 0 {
		t.Error("Clear(true) should drop attachments")
	}
}

func TestPrintDebugger(t *testing.T) {
	t.Parallel()

	m, _ := newMessage(t, DefaultConfig())
	m.SetFrom("a@x.com", "", "")
	m.SetTo("b@y.com")
	m.SetSubject("Debug me")
	m.SetMessage("Body text")
	if err := m.SendKeep(context.Background()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	out := m.PrintDebugger()
	for _, want := range []string{"From: <a@x.com>", "Debug me", "Body text"} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintDebugger() missing %q in %q", want, out)
		}
	}
	if out := m.PrintDebugger("subject"); strings.Contains(out, "Body text") {
		t.Errorf("PrintDebugger(subject) should leave out the body: %q", out)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{name: "smtp"}
	cfg := DefaultConfig()
	cfg.Protocol = "smtp"
	m, _ := newMessage(t, cfg, WithTransport(transport.SMTP, tr))
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tr.closed {
		t.Error("Close should close the transports")
	}
}
