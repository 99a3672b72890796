package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/smtp-mailer/internal/address"
	"github.com/shineum/smtp-mailer/internal/archive"
	"github.com/shineum/smtp-mailer/internal/batch"
	"github.com/shineum/smtp-mailer/internal/metrics"
	"github.com/shineum/smtp-mailer/internal/mimebuild"
	"github.com/shineum/smtp-mailer/internal/textenc"
	"github.com/shineum/smtp-mailer/internal/transport"
	"github.com/shineum/smtp-mailer/internal/transport/mail"
	"github.com/shineum/smtp-mailer/internal/transport/sendmail"
	"github.com/shineum/smtp-mailer/internal/transport/ses"
	smtptransport "github.com/shineum/smtp-mailer/internal/transport/smtp"
)

// Send delivers the message and clears it on success.
func (m *Message) Send(ctx context.Context) error {
	return m.send(ctx, true)
}

// SendKeep delivers the message and leaves the composition in place.
func (m *Message) SendKeep(ctx context.Context) error {
	return m.send(ctx, false)
}

func (m *Message) send(ctx context.Context, autoClear bool) error {
	if !m.headers.Has("From") && m.cfg.FromEmail != "" {
		if err := m.SetFrom(m.cfg.FromEmail, m.cfg.FromName, m.cfg.ReturnPath); err != nil {
			return err
		}
	}
	if !m.headers.Has("From") {
		return m.fail(ErrNoSender)
	}
	if !m.replyToSet {
		m.headers.Set("Reply-To", m.headers.Get("From"))
		m.replyToSet = true
	}
	if len(m.to) == 0 && len(m.cc) == 0 && len(m.bcc) == 0 &&
		!m.headers.Has("To") && !m.headers.Has("Cc") && !m.headers.Has("Bcc") {
		return m.fail(ErrNoRecipients)
	}

	m.buildHeaders()

	if batch.ShouldSplit(m.batchMode, len(m.bcc), m.batchSize) {
		if err := m.sendBatches(ctx); err != nil {
			return err
		}
	} else {
		m.buildMessage()
		if err := m.spool(ctx, m.bcc, true); err != nil {
			return err
		}
	}

	m.record()
	if autoClear {
		m.Clear(false)
	}
	return nil
}

// sendBatches delivers one copy of the message per Bcc chunk, stopping at
// the first failure. Protocols with envelope recipients receive each chunk
// as recipients, with To and Cc added to the first chunk only; the others
// get a Bcc header per chunk and leave delivery to the MTA. A transport that
// supports batches keeps one session open for all chunks.
func (m *Message) sendBatches(ctx context.Context) error {
	chunks := batch.Split(m.bcc, m.batchSize)
	slog.Debug("sending bcc in batches",
		"recipients", len(m.bcc),
		"chunks", len(chunks),
		"size", m.batchSize,
	)

	if tr, err := m.transportFor(ctx); err == nil {
		if b, ok := tr.(transport.Batcher); ok {
			b.BeginBatch()
			defer b.EndBatch()
		}
	}

	for i, chunk := range chunks {
		m.headers.Del("Bcc")
		if !m.protocol.Envelope() {
			m.headers.Set("Bcc", strings.Join(chunk, ", "))
		}
		m.buildMessage()
		if err := m.spool(ctx, chunk, i == 0); err != nil {
			return fmt.Errorf("bcc batch %d of %d: %w", i+1, len(chunks), err)
		}
		metrics.BatchChunks.Inc()
	}
	return nil
}

// buildHeaders adds the headers every message carries.
func (m *Message) buildHeaders() {
	m.headers.Set("User-Agent", m.cfg.UserAgent)
	m.headers.Set("X-Sender", m.fromEmail)
	m.headers.Set("X-Mailer", m.cfg.UserAgent)
	m.headers.Set("X-Priority", priorities[m.priority])
	m.headers.Set("Message-ID", m.messageID())
	m.headers.Set("Mime-Version", "1.0")
}

// messageID returns a new Message-ID in the domain of the return path.
func (m *Message) messageID() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "<" + token + address.Domain(m.returnPath) + ">"
}

// buildMessage renders the header block and body. The mail protocol takes
// the subject apart and carries the content headers in the header block;
// every other protocol writes them at the top of the body.
func (m *Message) buildMessage() {
	nl := m.enc.Newline
	res := m.builder.Build(mimebuild.Input{
		HTML:        m.html,
		Body:        m.body,
		AltMessage:  m.altMessage,
		WordWrap:    m.wordWrap,
		Multipart:   m.cfg.SendMultipart,
		Attachments: m.attachments.All(),
	})
	m.eightBit = mimebuild.TransferEncoding(m.cfg.Charset) == "8bit"
	m.mailSubject = m.headers.Get("Subject")

	if m.protocol == transport.Mail {
		m.headerBlock = strings.TrimRight(m.headers.Render(nl, "Subject"), "\r\n") + nl + res.ContentHeader
		m.finalBody = res.Body
		return
	}
	m.headerBlock = m.headers.Render(nl)
	m.finalBody = res.Payload(nl)
}

// envelope returns what the transport receives for the current render.
// visible adds the To and Cc addresses to the envelope recipients.
func (m *Message) envelope(bcc []string, visible bool) *transport.Envelope {
	env := &transport.Envelope{
		To:       m.to,
		Header:   m.headerBlock,
		Body:     m.finalBody,
		Newline:  m.enc.Newline,
		EightBit: m.eightBit,
	}

	switch m.protocol {
	case transport.Mail, transport.Sendmail:
		env.Sender = m.returnPath
		env.Recipients = m.to
	default:
		env.Sender = m.fromEmail
		if visible {
			env.Recipients = concat(m.to, m.cc, bcc)
		} else {
			env.Recipients = concat(bcc)
		}
	}
	if m.protocol == transport.Mail {
		env.Subject = m.mailSubject
	}
	return env
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		for _, a := range l {
			if a != "" {
				out = append(out, a)
			}
		}
	}
	return out
}

// spool dispatches the rendered message on the selected protocol.
func (m *Message) spool(ctx context.Context, bcc []string, visible bool) error {
	m.finalBody = textenc.UnwrapSpecials(m.finalBody)

	tr, err := m.transportFor(ctx)
	if err != nil {
		return m.fail(fmt.Errorf("mailer: %s transport: %w", m.protocol, err))
	}

	env := m.envelope(bcc, visible)
	if err := tr.Send(ctx, env); err != nil {
		metrics.Deliveries.WithLabelValues(tr.Name(), "error").Inc()
		slog.Error("email sending failed",
			"transport", tr.Name(),
			"recipients", len(env.Recipients),
			"error", err,
		)
		return m.fail(fmt.Errorf("mailer: sending via %s failed: %w", tr.Name(), err))
	}

	metrics.Deliveries.WithLabelValues(tr.Name(), "ok").Inc()
	slog.Info("email sent",
		"transport", tr.Name(),
		"message_id", m.headers.Get("Message-ID"),
		"recipients", len(env.Recipients),
	)
	return nil
}

// transportFor returns the transport for the selected protocol, creating it
// on first use. Transports are kept so that an SMTP session can stay open
// across sends.
func (m *Message) transportFor(ctx context.Context) (transport.Transport, error) {
	if t, ok := m.transports[m.protocol]; ok {
		return t, nil
	}

	var t transport.Transport
	switch m.protocol {
	case transport.Sendmail:
		t = sendmail.New(m.cfg.MailPath)
	case transport.SMTP:
		t = smtptransport.New(m.cfg.SMTP)
	case transport.SES:
		s, err := ses.New(ctx, m.cfg.SES)
		if err != nil {
			return nil, err
		}
		t = s
	default:
		sub := m.submitter
		if sub == nil {
			sub = mail.Command{Path: m.cfg.MailPath, Newline: m.enc.Newline}
		}
		t = mail.New(sub)
	}
	m.transports[m.protocol] = t
	return t, nil
}

// record takes the archive snapshot of the message just sent.
func (m *Message) record() {
	snap := archive.Snapshot{
		MessageID: m.headers.Get("Message-ID"),
		SentAt:    m.now(),
		Protocol:  m.protocol.String(),
		From:      m.fromEmail,
		To:        m.to,
		Cc:        m.cc,
		Bcc:       m.bcc,
		Subject:   m.subject,
		Headers:   strings.Split(strings.TrimRight(m.headerBlock, "\r\n"), m.enc.Newline),
		Body:      m.finalBody,
	}
	for _, a := range m.attachments.All() {
		snap.Attachments = append(snap.Attachments, a.DisplayName())
	}
	m.last = &snap

	if m.store == nil {
		return
	}
	if err := m.store.Put(snap); err != nil {
		slog.Warn("failed to archive message", "message_id", snap.MessageID, "error", err)
		m.diagnostics = append(m.diagnostics, "archive: "+err.Error())
	}
}

// Close ends any transport session still open, sending QUIT to a kept-alive
// SMTP server, and closes the archive store.
func (m *Message) Close() error {
	var firstErr error
	for p, t := range m.transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mailer: close %s: %w", p, err)
		}
		delete(m.transports, p)
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mailer: close archive: %w", err)
		}
	}
	return firstErr
}
