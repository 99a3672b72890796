package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/russross/blackfriday/v2"
	"github.com/spf13/cobra"

	"github.com/shineum/smtp-mailer/internal/archive"
	"github.com/shineum/smtp-mailer/internal/mailer"
)

// sendOptions holds the flags of the send command.
type sendOptions struct {
	from     string
	fromName string
	replyTo  string
	to       []string
	cc       []string
	bcc      []string
	bccFile  string
	subject  string
	body     string
	bodyFile string
	alt      string
	html     bool
	markdown bool
	attach   []string
	inline   []string
	headers  []string
	protocol string
	batch    int
	priority int
	debug    bool
}

var sendOpts sendOptions

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Compose a message and deliver it",
	Long: `Compose a message from flags and deliver it with the configured protocol.

The body comes from --body, or from --body-file ("-" reads stdin). With
--markdown the body is rendered to HTML. Files given with --inline are
embedded in the HTML part; reference them as src="cid:<file name>".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		mcfg, err := cfg.MailerConfig()
		if err != nil {
			return fmt.Errorf("failed to configure mailer: %w", err)
		}

		var opts []mailer.Option
		if cfg.Archive.Path != "" {
			store, err := archive.OpenBolt(cfg.Archive.Path)
			if err != nil {
				return err
			}
			opts = append(opts, mailer.WithArchive(store))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		m := mailer.New(mcfg, opts...)
		defer m.Close()

		return runSend(ctx, m, &sendOpts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.from, "from", "", "sender address (default from configuration)")
	f.StringVar(&sendOpts.fromName, "from-name", "", "sender display name")
	f.StringVar(&sendOpts.replyTo, "reply-to", "", "Reply-To address")
	f.StringSliceVar(&sendOpts.to, "to", nil, "To recipients")
	f.StringSliceVar(&sendOpts.cc, "cc", nil, "Cc recipients")
	f.StringSliceVar(&sendOpts.bcc, "bcc", nil, "Bcc recipients")
	f.StringVar(&sendOpts.bccFile, "bcc-file", "", "file with one Bcc recipient per line")
	f.StringVarP(&sendOpts.subject, "subject", "s", "", "message subject")
	f.StringVarP(&sendOpts.body, "body", "b", "", "message body")
	f.StringVar(&sendOpts.bodyFile, "body-file", "", `read the body from a file, "-" for stdin`)
	f.StringVar(&sendOpts.alt, "alt", "", "plain-text alternative for HTML bodies")
	f.BoolVar(&sendOpts.html, "html", false, "send the body as HTML")
	f.BoolVar(&sendOpts.markdown, "markdown", false, "render the body from Markdown to HTML")
	f.StringArrayVarP(&sendOpts.attach, "attach", "a", nil, "attach a file (repeatable)")
	f.StringArrayVar(&sendOpts.inline, "inline", nil, "embed a file in the HTML part (repeatable)")
	f.StringArrayVarP(&sendOpts.headers, "header", "H", nil, `extra header as "Name: value" (repeatable)`)
	f.StringVar(&sendOpts.protocol, "protocol", "", "mail, sendmail, smtp or ses (default from configuration)")
	f.IntVar(&sendOpts.batch, "batch", 0, "split Bcc into batches of this size")
	f.IntVar(&sendOpts.priority, "priority", 0, "X-Priority from 1 (highest) to 5 (lowest)")
	f.BoolVar(&sendOpts.debug, "debug", false, "print the rendered message after sending")
}

// runSend composes m from opts and sends it. On failure the diagnostics and
// the rendered message are written to errOut.
func runSend(ctx context.Context, m *mailer.Message, opts *sendOptions, in io.Reader, out, errOut io.Writer) error {
	if err := compose(m, opts, in); err != nil {
		fmt.Fprint(errOut, m.PrintDebugger())
		return err
	}

	if err := m.SendKeep(ctx); err != nil {
		fmt.Fprint(errOut, m.PrintDebugger())
		return err
	}
	if opts.debug {
		fmt.Fprint(out, m.PrintDebugger())
	}

	if snap := m.Archive(); snap != nil {
		fmt.Fprintln(out, snap.MessageID)
		slog.Debug("message archived", "message_id", snap.MessageID, "protocol", snap.Protocol)
	}
	return nil
}

// compose applies opts to m.
func compose(m *mailer.Message, opts *sendOptions, in io.Reader) error {
	if opts.protocol != "" {
		m.SetProtocol(opts.protocol)
	}
	if opts.priority != 0 {
		m.SetPriority(opts.priority)
	}

	if opts.from != "" {
		if err := m.SetFrom(opts.from, opts.fromName, ""); err != nil {
			return err
		}
	}
	if opts.replyTo != "" {
		if err := m.SetReplyTo(opts.replyTo, ""); err != nil {
			return err
		}
	}
	if len(opts.to) > 0 {
		if err := m.SetTo(opts.to...); err != nil {
			return err
		}
	}
	if len(opts.cc) > 0 {
		if err := m.SetCC(opts.cc...); err != nil {
			return err
		}
	}

	bcc := opts.bcc
	if opts.bccFile != "" {
		list, err := readList(opts.bccFile)
		if err != nil {
			return err
		}
		bcc = append(bcc, list...)
	}
	if len(bcc) > 0 {
		var err error
		if opts.batch > 0 {
			err = m.SetBCCBatch(opts.batch, bcc...)
		} else {
			err = m.SetBCC(bcc...)
		}
		if err != nil {
			return err
		}
	}

	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		m.SetHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	m.SetSubject(opts.subject)

	body, err := readBody(opts, in)
	if err != nil {
		return err
	}
	if opts.markdown {
		body = string(blackfriday.Run([]byte(body),
			blackfriday.WithExtensions(blackfriday.CommonExtensions)))
	}
	if opts.html || opts.markdown || len(opts.inline) > 0 {
		m.SetMailType("html")
	}
	if opts.alt != "" {
		m.SetAltMessage(opts.alt)
	}

	for _, path := range opts.attach {
		if err := m.Attach(path, "", "", ""); err != nil {
			return err
		}
	}
	for _, path := range opts.inline {
		if err := m.Attach(path, "inline", "", ""); err != nil {
			return err
		}
		cid, err := m.MarkInline(path)
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		body = strings.ReplaceAll(body, `"cid:`+name+`"`, `"cid:`+cid+`"`)
	}

	m.SetMessage(body)
	return nil
}

// readBody returns the --body text or the content of --body-file.
func readBody(opts *sendOptions, in io.Reader) (string, error) {
	if opts.bodyFile == "" {
		return opts.body, nil
	}
	if opts.body != "" {
		return "", fmt.Errorf("--body and --body-file are mutually exclusive")
	}

	var (
		data []byte
		err  error
	)
	if opts.bodyFile == "-" {
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(opts.bodyFile)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(data), nil
}

// readList reads one address per line, skipping blank lines and lines
// starting with #.
func readList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	var list []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read recipient list: %w", err)
	}
	return list, nil
}
