// Package mailer composes messages and hands them to a transport.
//
// A Message is configured through its setters and delivered with Send,
// which builds the header block and MIME body, splits long Bcc lists into
// batches when batch mode is on, and dispatches to the configured protocol.
// Every failure is returned as an error and also appended to the message's
// diagnostics. A Message is not safe for concurrent use.
package mailer

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shineum/smtp-mailer/internal/address"
	"github.com/shineum/smtp-mailer/internal/archive"
	"github.com/shineum/smtp-mailer/internal/attachment"
	"github.com/shineum/smtp-mailer/internal/header"
	"github.com/shineum/smtp-mailer/internal/mimebuild"
	"github.com/shineum/smtp-mailer/internal/textenc"
	"github.com/shineum/smtp-mailer/internal/transport"
	"github.com/shineum/smtp-mailer/internal/transport/mail"
)

var (
	// ErrNoSender is returned by Send when no From address is set or
	// configured.
	ErrNoSender = errors.New("mailer: no sender address")

	// ErrNoRecipients is returned by Send when there is nobody to send to.
	ErrNoRecipients = errors.New("mailer: a recipient must be specified")
)

// dateLayout is the RFC 5322 date with a numeric zone offset.
const dateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

var priorities = map[int]string{
	1: "1 (Highest)",
	2: "2 (High)",
	3: "3 (Normal)",
	4: "4 (Low)",
	5: "5 (Lowest)",
}

// Option customizes a Message.
type Option func(*Message)

// WithValidator replaces address.Strict as the address validator.
func WithValidator(v address.Validator) Option {
	return func(m *Message) { m.validator = v }
}

// WithSubmitter sets the platform submitter used by the mail protocol.
func WithSubmitter(s mail.Submitter) Option {
	return func(m *Message) { m.submitter = s }
}

// WithArchive records a snapshot of every sent message in s.
func WithArchive(s archive.Store) Option {
	return func(m *Message) { m.store = s }
}

// WithTransport uses t for protocol p instead of building one from the
// configuration.
func WithTransport(p transport.Protocol, t transport.Transport) Option {
	return func(m *Message) { m.transports[p] = t }
}

// WithDetector sets the MIME type detector for attached files.
func WithDetector(d attachment.Detector) Option {
	return func(m *Message) { m.attachments.Detector = d }
}

// WithClock sets the time source for the Date header and archive snapshots.
func WithClock(now func() time.Time) Option {
	return func(m *Message) { m.now = now }
}

// WithBoundary sets the multipart boundary generator.
func WithBoundary(fn func(prefix string) string) Option {
	return func(m *Message) { m.builder.NewBoundary = fn }
}

// Message is one email under composition. After a successful Send the
// composition fields are cleared so the Message can be reused; sender
// defaults, protocol and transport sessions are kept.
type Message struct {
	cfg      Config
	protocol transport.Protocol

	enc         textenc.Encoder
	builder     *mimebuild.Builder
	headers     header.Map
	attachments attachment.Store
	validator   address.Validator
	submitter   mail.Submitter
	transports  map[transport.Protocol]transport.Transport
	store       archive.Store
	now         func() time.Time

	subject    string
	body       string
	altMessage string
	html       bool
	wordWrap   bool
	priority   int
	batchMode  bool
	batchSize  int
	replyToSet bool

	fromEmail  string
	returnPath string
	to         []string
	cc         []string
	bcc        []string

	// Rendered on every build.
	headerBlock string
	mailSubject string
	finalBody   string
	eightBit    bool

	diagnostics []string
	last        *archive.Snapshot
}

// New returns an empty Message. Zero string and number fields of cfg take
// their DefaultConfig values; booleans are used as given.
func New(cfg Config, opts ...Option) *Message {
	def := DefaultConfig()
	if cfg.MailType == "" {
		cfg.MailType = def.MailType
	}
	if cfg.Charset == "" {
		cfg.Charset = def.Charset
	}
	if cfg.WrapChars <= 0 {
		cfg.WrapChars = def.WrapChars
	}
	if cfg.BCCBatchSize <= 0 {
		cfg.BCCBatchSize = def.BCCBatchSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.SMTP.Timeout == 0 {
		cfg.SMTP.Timeout = def.SMTP.Timeout
	}
	cfg.Charset = strings.ToUpper(cfg.Charset)

	m := &Message{
		cfg:        cfg,
		protocol:   transport.ParseProtocol(cfg.Protocol),
		validator:  address.Strict,
		transports: make(map[transport.Protocol]transport.Transport),
		now:        time.Now,
		altMessage: strings.TrimSpace(cfg.AltMessage),
		wordWrap:   cfg.WordWrap,
		batchMode:  cfg.BCCBatchMode,
		batchSize:  cfg.BCCBatchSize,
	}
	m.enc = textenc.Encoder{Charset: cfg.Charset, WrapChars: cfg.WrapChars}
	m.builder = mimebuild.New(&m.enc)
	m.SetNewline(cfg.Newline)
	m.SetCRLF(cfg.CRLF)
	m.SetMailType(cfg.MailType)
	m.SetPriority(cfg.Priority)

	for _, opt := range opts {
		opt(m)
	}
	m.Clear(true)
	return m
}

// Clear resets the composition: subject, body, recipients, headers and
// diagnostics. Attachments are kept unless clearAttachments is set. A fresh
// Date header is stamped.
func (m *Message) Clear(clearAttachments bool) {
	m.subject = ""
	m.body = ""
	m.headerBlock = ""
	m.mailSubject = ""
	m.finalBody = ""
	m.replyToSet = false
	m.fromEmail = ""
	m.returnPath = ""
	m.to = nil
	m.cc = nil
	m.bcc = nil
	m.headers.Reset()
	m.diagnostics = nil

	m.headers.Set("Date", m.now().Format(dateLayout))

	if clearAttachments {
		m.attachments.Clear()
	}
}

// fail records err as a diagnostic and returns it.
func (m *Message) fail(err error) error {
	m.diagnostics = append(m.diagnostics, err.Error())
	return err
}

func (m *Message) validate(addrs ...string) error {
	if !m.cfg.Validate {
		return nil
	}
	if err := address.ValidateAll(m.validator, addrs); err != nil {
		return m.fail(err)
	}
	return nil
}

// displayName renders name for use before an address in a header.
func (m *Message) displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return m.enc.QEncode(name) + " "
}

// SetFrom sets the From and Return-Path headers. An empty returnPath means
// the From address.
func (m *Message) SetFrom(email, name, returnPath string) error {
	email = address.Clean(email)
	returnPath = address.Clean(returnPath)
	if err := m.validate(email); err != nil {
		return err
	}
	if returnPath != "" {
		if err := m.validate(returnPath); err != nil {
			return err
		}
	} else {
		returnPath = email
	}

	m.headers.Set("From", m.displayName(name)+"<"+email+">")
	m.headers.Set("Return-Path", "<"+returnPath+">")
	m.fromEmail = email
	m.returnPath = returnPath
	return nil
}

// SetReplyTo sets the Reply-To header. When it is never called, Send uses
// the sender.
func (m *Message) SetReplyTo(email, name string) error {
	email = address.Clean(email)
	if err := m.validate(email); err != nil {
		return err
	}
	m.headers.Set("Reply-To", m.displayName(name)+"<"+email+">")
	m.replyToSet = true
	return nil
}

// SetTo sets the primary recipients. A single argument may hold a comma
// separated list. The To header is written for every protocol except mail,
// which takes the recipients as a separate argument.
func (m *Message) SetTo(to ...string) error {
	list := address.Normalize(to...)
	if err := m.validate(list...); err != nil {
		return err
	}
	if m.protocol != transport.Mail {
		m.headers.Set("To", strings.Join(list, ", "))
	}
	m.to = list
	return nil
}

// SetCC sets the Cc header. Protocols that track envelope recipients also
// deliver to the list directly.
func (m *Message) SetCC(cc ...string) error {
	list := address.Normalize(cc...)
	if err := m.validate(list...); err != nil {
		return err
	}
	m.headers.Set("Cc", strings.Join(list, ", "))
	m.cc = list
	return nil
}

// SetBCC sets the blind copies. For protocols that track envelope
// recipients, and for lists that will be split into batches, no Bcc header
// is written.
func (m *Message) SetBCC(bcc ...string) error {
	list := address.Normalize(bcc...)
	if err := m.validate(list...); err != nil {
		return err
	}
	m.bcc = list
	m.headers.Del("Bcc")
	if m.protocol.Envelope() || m.splitBCC() {
		return nil
	}
	m.headers.Set("Bcc", strings.Join(list, ", "))
	return nil
}

// SetBCCBatch enables batch mode with chunks of size addresses and sets the
// blind copies.
func (m *Message) SetBCCBatch(size int, bcc ...string) error {
	if size > 0 {
		m.batchMode = true
		m.batchSize = size
	}
	return m.SetBCC(bcc...)
}

func (m *Message) splitBCC() bool {
	return m.batchMode && m.batchSize > 0 && len(m.bcc) > m.batchSize
}

// SetSubject sets the Subject header, encoding it when it is not ASCII.
func (m *Message) SetSubject(subject string) {
	m.subject = subject
	m.headers.Set("Subject", m.enc.EncodeHeader(subject))
}

// SetMessage sets the body. Carriage returns and trailing whitespace are
// removed.
func (m *Message) SetMessage(body string) {
	m.body = strings.TrimRight(strings.ReplaceAll(body, "\r", ""), " \t\n\x00\x0B")
}

// SetAltMessage sets the plain-text alternative of an HTML body.
func (m *Message) SetAltMessage(alt string) {
	m.altMessage = strings.TrimSpace(alt)
}

// SetMailType selects "html" or, for any other value, "text".
func (m *Message) SetMailType(t string) {
	m.html = strings.ToLower(strings.TrimSpace(t)) == "html"
}

// SetWordWrap enables or disables wrapping of text bodies.
func (m *Message) SetWordWrap(on bool) {
	m.wordWrap = on
}

// SetPriority sets X-Priority. Values outside 1..5 mean 3.
func (m *Message) SetPriority(n int) {
	if _, ok := priorities[n]; !ok {
		n = 3
	}
	m.priority = n
}

// SetNewline sets the line terminator. Anything other than "\n", "\r\n",
// "\n\r" or "\r" means "\n".
func (m *Message) SetNewline(nl string) {
	if !textenc.ValidTerminator(nl) {
		nl = "\n"
	}
	m.enc.Newline = nl
	m.attachments.Newline = nl
}

// SetCRLF sets the quoted-printable line terminator, with the same
// accepted values as SetNewline.
func (m *Message) SetCRLF(crlf string) {
	if !textenc.ValidTerminator(crlf) {
		crlf = "\n"
	}
	m.enc.CRLF = crlf
}

// SetProtocol selects the delivery protocol. Unknown names mean "mail".
// Set it before the recipients, which are recorded per protocol.
func (m *Message) SetProtocol(name string) {
	m.protocol = transport.ParseProtocol(name)
}

// Protocol returns the selected delivery protocol.
func (m *Message) Protocol() transport.Protocol {
	return m.protocol
}

// SetHeader sets an arbitrary header. Line breaks are removed from value.
func (m *Message) SetHeader(name, value string) {
	m.headers.Set(name, value)
}

// Header returns the current value of a header.
func (m *Message) Header(name string) string {
	return m.headers.Get(name)
}

// Attach attaches the file at path. Empty disposition means "attachment",
// empty name keeps the file's base name and empty mimeType is detected.
func (m *Message) Attach(path, disposition, name, mimeType string) error {
	if _, err := m.attachments.Attach(path, disposition, name, mimeType); err != nil {
		return m.fail(err)
	}
	return nil
}

// AttachReader attaches the content of r under name.
func (m *Message) AttachReader(r io.Reader, name, disposition, mimeType string) error {
	if _, err := m.attachments.AttachReader(r, name, disposition, mimeType); err != nil {
		return m.fail(err)
	}
	return nil
}

// MarkInline moves the attachment added from source into the related part
// and returns its Content-ID, to be referenced as "cid:<id>" in HTML.
func (m *Message) MarkInline(source string) (string, error) {
	cid, err := m.attachments.MarkInline(source)
	if err != nil {
		return "", m.fail(err)
	}
	return cid, nil
}

// Attachments returns the current attachments.
func (m *Message) Attachments() []attachment.Attachment {
	return m.attachments.All()
}

// Diagnostics returns the failures recorded since the last Clear.
func (m *Message) Diagnostics() []string {
	return append([]string(nil), m.diagnostics...)
}

// Archive returns the snapshot of the last successfully sent message, or
// nil.
func (m *Message) Archive() *archive.Snapshot {
	return m.last
}

// PrintDebugger returns the diagnostics followed by the requested parts of
// the last rendered message: "headers", "subject" and "body". With no parts
// all three are included.
func (m *Message) PrintDebugger(parts ...string) string {
	if len(parts) == 0 {
		parts = []string{"headers", "subject", "body"}
	}

	var b strings.Builder
	b.WriteString(strings.Join(m.diagnostics, "\n"))
	if len(m.diagnostics) > 0 {
		b.WriteString("\n")
	}
	for _, p := range parts {
		switch p {
		case "headers":
			b.WriteString(m.headerBlock + "\n")
		case "subject":
			b.WriteString(m.mailSubject + "\n")
		case "body":
			b.WriteString(m.finalBody + "\n")
		default:
			fmt.Fprintf(&b, "unknown part %q\n", p)
		}
	}
	return b.String()
}
