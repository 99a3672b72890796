package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

const separator = "========================================\n"

// Printer writes a human-readable summary of each delivery.
type Printer struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// NewPrinter creates a Printer that writes to os.Stdout.
func NewPrinter() *Printer {
	return &Printer{writer: os.Stdout}
}

// NewPrinterWithWriter creates a Printer that writes to w.
func NewPrinterWithWriter(w io.Writer) *Printer {
	return &Printer{writer: w}
}

// Handle prints the delivery. Write errors are returned so the client sees
// the message was not consumed.
func (p *Printer) Handle(_ context.Context, d *Delivery) error {
	var b strings.Builder
	msg := d.Message

	b.WriteString(separator)
	fmt.Fprintf(&b, "Envelope-From: %s\n", d.MailFrom)
	fmt.Fprintf(&b, "Envelope-To: %s\n", strings.Join(d.RcptTo, ", "))
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.Root != nil {
		fmt.Fprintf(&b, "Content-Type: %s\n", msg.Root.MediaType)
	}
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HTMLBody
	}
	b.WriteString(strings.TrimRight(body, "\r\n") + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Body))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)

	_, err := io.WriteString(p.writer, b.String())
	return err
}

func (p *Printer) Name() string {
	return "printer"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
