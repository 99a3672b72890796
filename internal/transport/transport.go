// Package transport defines the contract between a composed message and the
// backends that deliver it.
package transport

import (
	"context"
	"errors"
	"strings"
)

// Protocol selects a delivery backend.
type Protocol int

const (
	Mail Protocol = iota
	Sendmail
	SMTP
	SES
)

// ParseProtocol maps a configured protocol name to a Protocol. Unknown
// names fall back to Mail.
func ParseProtocol(s string) Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sendmail":
		return Sendmail
	case "smtp":
		return SMTP
	case "ses":
		return SES
	default:
		return Mail
	}
}

func (p Protocol) String() string {
	switch p {
	case Sendmail:
		return "sendmail"
	case SMTP:
		return "smtp"
	case SES:
		return "ses"
	default:
		return "mail"
	}
}

// Envelope tracks recipients as a list, apart from the visible headers.
// SMTP and SES deliver to the envelope list; Mail and Sendmail leave Cc and
// Bcc to the local MTA.
func (p Protocol) Envelope() bool {
	return p == SMTP || p == SES
}

var (
	// ErrNoHost is returned by the SMTP transport when no host is configured.
	ErrNoHost = errors.New("transport: no SMTP host configured")

	// ErrNoRecipients is returned when an envelope has nobody to deliver to.
	ErrNoRecipients = errors.New("transport: no recipients")
)

// Envelope is one rendered message ready for delivery.
type Envelope struct {
	// Sender is the bare return-path address.
	Sender string

	// To holds the visible recipients. Recipients holds every envelope
	// recipient (To, Cc and Bcc) for transports that track them.
	To         []string
	Recipients []string

	// Subject is set only for Mail, which takes it apart from the header
	// block.
	Subject string

	// Header is the rendered header block, each line ending in Newline.
	// Body follows it directly on the wire.
	Header string
	Body   string

	Newline string

	// EightBit is set when the body uses the 8bit transfer encoding.
	EightBit bool
}

// Data returns the message as it goes on the wire: header block then body.
func (e *Envelope) Data() string {
	return e.Header + e.Body
}

// Transport delivers rendered messages.
type Transport interface {
	// Send delivers env. It returns an error if the delivery fails.
	Send(ctx context.Context, env *Envelope) error

	// Name returns the protocol name of this transport.
	Name() string

	// Close releases any connection kept between sends.
	Close() error
}

// Batcher is implemented by transports that can keep one session open for a
// run of related sends, such as the chunks of a split Bcc list. Sends between
// BeginBatch and EndBatch share the session; EndBatch closes it unless the
// transport keeps sessions alive anyway.
type Batcher interface {
	BeginBatch()
	EndBatch()
}
