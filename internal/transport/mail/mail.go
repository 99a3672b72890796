// Package mail implements the native-submission transport: recipients,
// subject, body and headers are handed to the platform mail submitter.
package mail

import (
	"context"
	"strings"

	"github.com/shineum/smtp-mailer/internal/address"
	"github.com/shineum/smtp-mailer/internal/transport"
)

// DefaultPath is the submission binary used when none is configured.
const DefaultPath = "/usr/sbin/sendmail"

// Submitter is the platform mail-submission function. senderFlag is either
// empty or a complete "-f<address>" argument.
type Submitter interface {
	Submit(ctx context.Context, recipients []string, subject, body, headers, senderFlag string) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, recipients []string, subject, body, headers, senderFlag string) error

func (f SubmitterFunc) Submit(ctx context.Context, recipients []string, subject, body, headers, senderFlag string) error {
	return f(ctx, recipients, subject, body, headers, senderFlag)
}

// Command submits through a sendmail-compatible binary invoked with -t -i.
// It writes the To and Subject lines ahead of the other headers, the way a
// platform mail() function does.
type Command struct {
	Path    string
	Newline string
}

func (c Command) Submit(ctx context.Context, recipients []string, subject, body, headers, senderFlag string) error {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	nl := c.Newline
	if nl == "" {
		nl = "\n"
	}

	args := []string{"-t", "-i"}
	if senderFlag != "" {
		args = append(args, senderFlag)
	}

	var b strings.Builder
	if len(recipients) > 0 {
		b.WriteString("To: " + strings.Join(recipients, ", ") + nl)
	}
	b.WriteString("Subject: " + subject + nl)
	if h := strings.TrimRight(headers, "\r\n"); h != "" {
		b.WriteString(h + nl)
	}
	b.WriteString(nl)
	b.WriteString(body)

	return transport.Pipe(ctx, path, args, b.String())
}

// Transport delivers through a Submitter.
type Transport struct {
	submitter Submitter
}

// New returns a Transport using s, or Command with the default path when s
// is nil.
func New(s Submitter) *Transport {
	if s == nil {
		s = Command{Path: DefaultPath}
	}
	return &Transport{submitter: s}
}

// Send hands env to the submitter. The envelope sender flag is passed only
// when the sender is safe to put on a command line.
func (t *Transport) Send(ctx context.Context, env *transport.Envelope) error {
	flag := ""
	if address.ShellSafe(env.Sender) {
		flag = "-f" + env.Sender
	}
	return t.submitter.Submit(ctx, env.To, env.Subject, env.Body, env.Header, flag)
}

func (t *Transport) Name() string {
	return transport.Mail.String()
}

func (t *Transport) Close() error {
	return nil
}
