// Package mimebuild assembles the MIME body of a message from its text, its
// HTML and its attachments.
package mimebuild

import (
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/smtp-mailer/internal/attachment"
	"github.com/shineum/smtp-mailer/internal/textenc"
)

// Class is the body layout chosen for a message.
type Class int

const (
	Plain Class = iota
	HTML
	PlainAttach
	HTMLAttach
)

func (c Class) String() string {
	switch c {
	case HTML:
		return "html"
	case PlainAttach:
		return "plain-attach"
	case HTMLAttach:
		return "html-attach"
	default:
		return "plain"
	}
}

// Classify returns the layout for an HTML or text message with or without
// attachments.
func Classify(html, hasAttachments bool) Class {
	switch {
	case html && hasAttachments:
		return HTMLAttach
	case html:
		return HTML
	case hasAttachments:
		return PlainAttach
	default:
		return Plain
	}
}

// Boundary prefixes, one per multipart level.
const (
	prefixAlternative = "B_ALT_"
	prefixMixed       = "B_ATC_"
	prefixRelated     = "B_REL_"
)

func preamble(nl string) string {
	return "This is a multi-part message in MIME format." + nl +
		"Your email application may not support this format."
}

var sevenBitCharsets = []string{"US-ASCII", "ISO-2022-"}

// TransferEncoding returns "7bit" for charsets that are 7-bit safe and
// "8bit" for everything else.
func TransferEncoding(charset string) string {
	upper := strings.ToUpper(charset)
	for _, p := range sevenBitCharsets {
		if strings.HasPrefix(upper, p) {
			return "7bit"
		}
	}
	return "8bit"
}

// Input is everything the builder needs to know about a message.
type Input struct {
	HTML bool

	// Body is the message text or HTML as set by the caller.
	Body string

	// AltMessage is the plain alternative of an HTML body. When empty it is
	// derived from Body.
	AltMessage string

	// WordWrap enables wrapping of text bodies and alternatives.
	WordWrap bool

	// Multipart sends HTML bodies as multipart/alternative. When false an
	// HTML message without attachments is a single quoted-printable part.
	Multipart bool

	Attachments []attachment.Attachment
}

// Result is a rendered body. ContentHeader holds the Content-Type and
// related header lines without a trailing newline; Body is what follows
// the blank line.
type Result struct {
	Class         Class
	ContentHeader string
	Body          string
}

// Builder renders Input using the charset and line terminators of Encoder.
type Builder struct {
	Encoder *textenc.Encoder

	// NewBoundary returns a fresh boundary for the given prefix. Defaults to
	// the prefix followed by a random UUID.
	NewBoundary func(prefix string) string
}

// New returns a Builder for enc.
func New(enc *textenc.Encoder) *Builder {
	return &Builder{Encoder: enc}
}

func (b *Builder) boundary(prefix string) string {
	if b.NewBoundary != nil {
		return b.NewBoundary(prefix)
	}
	return prefix + uuid.NewString()
}

func (b *Builder) charset() string {
	if b.Encoder.Charset == "" {
		return textenc.DefaultCharset
	}
	return strings.ToUpper(b.Encoder.Charset)
}

func (b *Builder) newline() string {
	if b.Encoder.Newline == "" {
		return "\r\n"
	}
	return b.Encoder.Newline
}

// Payload returns the content header, a blank line and the body, the form
// written after the message headers by every transport that receives a
// single header block.
func (r Result) Payload(newline string) string {
	return r.ContentHeader + newline + newline + r.Body
}

// Build renders in.
func (b *Builder) Build(in Input) Result {
	class := Classify(in.HTML, len(in.Attachments) > 0)
	switch class {
	case HTML:
		return b.buildHTML(in)
	case PlainAttach:
		return b.buildPlainAttach(in)
	case HTMLAttach:
		return b.buildHTMLAttach(in)
	default:
		return b.buildPlain(in)
	}
}

func (b *Builder) text(in Input) string {
	if in.WordWrap {
		return b.Encoder.WordWrap(in.Body, 0)
	}
	return in.Body
}

// alternative returns the plain-text rendition of an HTML body.
func (b *Builder) alternative(in Input) string {
	alt := strings.TrimSpace(in.AltMessage)
	if alt == "" {
		alt = textenc.PlainFromHTML(in.Body)
	}
	if in.WordWrap {
		return b.Encoder.WordWrap(alt, 76)
	}
	return alt
}

func (b *Builder) textHeader(subtype, encoding string) string {
	return "Content-Type: text/" + subtype + "; charset=" + b.charset() + b.newline() +
		"Content-Transfer-Encoding: " + encoding
}

func (b *Builder) buildPlain(in Input) Result {
	return Result{
		Class:         Plain,
		ContentHeader: b.textHeader("plain", TransferEncoding(b.charset())),
		Body:          b.text(in),
	}
}

func (b *Builder) buildHTML(in Input) Result {
	nl := b.newline()
	qp := b.Encoder.QuotedPrintable(in.Body)

	if !in.Multipart {
		return Result{
			Class:         HTML,
			ContentHeader: b.textHeader("html", "quoted-printable"),
			Body:          qp + nl + nl,
		}
	}

	alt := b.boundary(prefixAlternative)
	var body strings.Builder
	body.WriteString(preamble(nl) + nl + nl)
	b.writeAlternative(&body, alt, in, qp)
	return Result{
		Class:         HTML,
		ContentHeader: multipartHeader("alternative", alt),
		Body:          body.String(),
	}
}

func (b *Builder) buildPlainAttach(in Input) Result {
	nl := b.newline()
	mixed := b.boundary(prefixMixed)

	var body strings.Builder
	body.WriteString(preamble(nl) + nl + nl)
	body.WriteString("--" + mixed + nl)
	body.WriteString(b.textHeader("plain", TransferEncoding(b.charset())) + nl + nl)
	body.WriteString(b.text(in) + nl + nl)
	b.writeAttachments(&body, mixed, in.Attachments, "")

	return Result{
		Class:         PlainAttach,
		ContentHeader: multipartHeader("mixed", mixed),
		Body:          body.String(),
	}
}

// buildHTMLAttach nests mixed around related around alternative, leaving
// out the levels that have no attachments.
func (b *Builder) buildHTMLAttach(in Input) Result {
	nl := b.newline()

	var hasMixed, hasRelated bool
	for _, a := range in.Attachments {
		switch a.Group {
		case attachment.GroupRelated:
			hasRelated = true
		default:
			hasMixed = true
		}
	}

	var header, mixed, related, last string
	var body strings.Builder
	if hasMixed {
		mixed = b.boundary(prefixMixed)
		header = multipartHeader("mixed", mixed)
		last = mixed
	}
	if hasRelated {
		related = b.boundary(prefixRelated)
		relHeader := multipartHeader("related", related)
		if last != "" {
			body.WriteString("--" + last + nl + relHeader + nl + nl)
		} else {
			header = relHeader
		}
		last = related
	}

	alt := b.boundary(prefixAlternative)
	body.WriteString(preamble(nl) + nl + nl)
	body.WriteString("--" + last + nl)
	body.WriteString(multipartHeader("alternative", alt) + nl + nl)
	b.writeAlternative(&body, alt, in, b.Encoder.QuotedPrintable(in.Body))
	body.WriteString(nl + nl)

	if hasRelated {
		body.WriteString(nl + nl)
		b.writeAttachments(&body, related, in.Attachments, attachment.GroupRelated)
	}
	if hasMixed {
		body.WriteString(nl + nl)
		b.writeAttachments(&body, mixed, in.Attachments, attachment.GroupMixed)
	}

	return Result{
		Class:         HTMLAttach,
		ContentHeader: header,
		Body:          body.String(),
	}
}

// writeAlternative writes the text and HTML parts of a multipart/alternative
// region and closes it.
func (b *Builder) writeAlternative(body *strings.Builder, boundary string, in Input, qp string) {
	nl := b.newline()
	body.WriteString("--" + boundary + nl)
	body.WriteString(b.textHeader("plain", TransferEncoding(b.charset())) + nl + nl)
	body.WriteString(b.alternative(in) + nl + nl)
	body.WriteString("--" + boundary + nl)
	body.WriteString(b.textHeader("html", "quoted-printable") + nl + nl)
	body.WriteString(qp + nl + nl)
	body.WriteString("--" + boundary + "--")
}

// writeAttachments writes one part per attachment in group, or every
// attachment when group is empty, and closes the region if it wrote any.
func (b *Builder) writeAttachments(body *strings.Builder, boundary string, list []attachment.Attachment, group attachment.Group) {
	nl := b.newline()
	var wrote bool
	for _, a := range list {
		if group != "" && a.Group != group {
			continue
		}
		wrote = true
		body.WriteString("--" + boundary + nl)
		body.WriteString("Content-Type: " + a.MIMEType + "; name=\"" + a.DisplayName() + "\"" + nl)
		body.WriteString("Content-Disposition: " + a.Disposition + ";" + nl)
		body.WriteString("Content-Transfer-Encoding: base64" + nl)
		if a.ContentID != "" {
			body.WriteString("Content-ID: <" + a.ContentID + ">" + nl)
		}
		body.WriteString(nl)
		body.WriteString(a.Content + nl)
	}
	if wrote {
		body.WriteString("--" + boundary + "--")
	}
}

func multipartHeader(subtype, boundary string) string {
	return "Content-Type: multipart/" + subtype + "; boundary=\"" + boundary + "\""
}
