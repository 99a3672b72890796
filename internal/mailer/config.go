package mailer

import (
	"time"

	"github.com/shineum/smtp-mailer/internal/transport/ses"
	smtptransport "github.com/shineum/smtp-mailer/internal/transport/smtp"
)

// DefaultUserAgent is sent in the User-Agent and X-Mailer headers.
const DefaultUserAgent = "smtp-mailer"

// DefaultBatchSize is the Bcc chunk size used by batch mode when none is
// configured.
const DefaultBatchSize = 200

// Config holds the settings a Message starts with. Composition state such
// as recipients and body is set through the Message methods instead.
type Config struct {
	// Protocol is "mail", "sendmail", "smtp" or "ses". Anything else means
	// "mail".
	Protocol string

	// MailType is "text" or "html".
	MailType string

	Charset   string
	WordWrap  bool
	WrapChars int

	// Priority is 1 (highest) to 5 (lowest).
	Priority int

	// Newline terminates header and body lines. CRLF terminates
	// quoted-printable lines and folded header words.
	Newline string
	CRLF    string

	// Validate checks every address with the validator.
	Validate bool

	// SendMultipart sends HTML bodies with a plain-text alternative.
	SendMultipart bool

	// AltMessage is the plain-text alternative used for HTML bodies. When
	// empty it is derived from the HTML.
	AltMessage string

	BCCBatchMode bool
	BCCBatchSize int

	UserAgent string

	// MailPath is the MTA binary used by the sendmail protocol.
	MailPath string

	// FromEmail and FromName are applied at send time when no sender was
	// set on the message.
	FromEmail  string
	FromName   string
	ReturnPath string

	SMTP smtptransport.Config
	SES  ses.Config
}

// DefaultConfig returns the settings used for a zero Config field.
func DefaultConfig() Config {
	return Config{
		Protocol:      "mail",
		MailType:      "text",
		Charset:       "UTF-8",
		WordWrap:      true,
		WrapChars:     76,
		Priority:      3,
		Newline:       "\n",
		CRLF:          "\n",
		Validate:      true,
		SendMultipart: true,
		BCCBatchSize:  DefaultBatchSize,
		UserAgent:     DefaultUserAgent,
		SMTP: smtptransport.Config{
			Port:    25,
			Timeout: 5 * time.Second,
		},
	}
}
