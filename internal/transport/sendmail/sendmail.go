// Package sendmail pipes the rendered message to a local MTA binary.
package sendmail

import (
	"context"

	"github.com/shineum/smtp-mailer/internal/address"
	"github.com/shineum/smtp-mailer/internal/transport"
)

// DefaultPath is the MTA binary used when none is configured.
const DefaultPath = "/usr/sbin/sendmail"

// Transport runs Path once per message.
type Transport struct {
	Path string
}

// New returns a Transport for path, or DefaultPath when path is empty.
func New(path string) *Transport {
	if path == "" {
		path = DefaultPath
	}
	return &Transport{Path: path}
}

// Args returns the command-line arguments for sender. The -f flag is added
// only for shell-safe senders.
func Args(sender string) []string {
	args := []string{"-oi"}
	if address.ShellSafe(sender) {
		args = append(args, "-f", sender)
	}
	return append(args, "-t")
}

// Send writes the header block and body to the MTA. A non-zero exit status
// is returned as *transport.ExitError.
func (t *Transport) Send(ctx context.Context, env *transport.Envelope) error {
	return transport.Pipe(ctx, t.Path, Args(env.Sender), env.Data())
}

func (t *Transport) Name() string {
	return transport.Sendmail.String()
}

func (t *Transport) Close() error {
	return nil
}
