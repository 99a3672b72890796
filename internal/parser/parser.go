// Package parser reads RFC 5322 messages into a tree of MIME parts.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
)

// Part is one node of the MIME tree. Multipart nodes carry Children; leaf
// nodes carry the transfer-decoded Body.
type Part struct {
	MediaType   string
	Params      map[string]string
	Header      textproto.MIMEHeader
	Disposition string
	Filename    string
	ContentID   string
	Body        []byte
	Children    []*Part
}

// Multipart reports whether p is a multipart container.
func (p *Part) Multipart() bool {
	return strings.HasPrefix(p.MediaType, "multipart/")
}

// Walk calls fn for p and every descendant in document order.
func (p *Part) Walk(fn func(*Part)) {
	fn(p)
	for _, c := range p.Children {
		c.Walk(fn)
	}
}

// Message is a parsed message with the commonly used fields extracted.
type Message struct {
	From        string
	FromAddress string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	MessageID   string
	Header      mail.Header
	Root        *Part

	TextBody    string
	HTMLBody    string
	Attachments []*Part
}

// Parse parses a raw message. Headers are decoded from RFC 2047 words, part
// bodies from base64 and quoted-printable. Parts that cannot be read are
// logged and skipped; only an unreadable header block or a top-level
// multipart without boundary is an error.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		Header:    msg.Header,
		From:      decodeHeader(msg.Header.Get("From")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
		Bcc:       parseAddressList(msg.Header.Get("Bcc")),
		Root:      &Part{Header: textproto.MIMEHeader(msg.Header)},
	}
	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		result.FromAddress = from[0]
	}

	if err := parsePart(result.Root, msg.Body); err != nil {
		return nil, err
	}
	result.collect(result.Root)
	return result, nil
}

// parsePart fills p from its header and body, recursing into multipart
// children.
func parsePart(p *Part, body io.Reader) error {
	contentType := p.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType, params = "text/plain", map[string]string{}
	}
	p.MediaType = mediaType
	p.Params = params
	p.ContentID = strings.Trim(p.Header.Get("Content-Id"), "<> ")

	if disp := p.Header.Get("Content-Disposition"); disp != "" {
		d, dparams, err := mime.ParseMediaType(disp)
		if err == nil {
			p.Disposition = d
			p.Filename = dparams["filename"]
		} else {
			p.Disposition = strings.ToLower(strings.TrimRight(strings.TrimSpace(disp), ";"))
		}
	}
	if p.Filename == "" {
		p.Filename = params["name"]
	}

	if !p.Multipart() {
		p.Body, err = readContent(p.Header, body)
		if err != nil {
			return fmt.Errorf("failed to read %s body: %w", mediaType, err)
		}
		return nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return fmt.Errorf("%s part missing boundary", mediaType)
	}

	reader := multipart.NewReader(body, boundary)
	for {
		mp, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		// NextPart decodes quoted-printable itself and drops the header.
		child := &Part{Header: mp.Header}
		if err := parsePart(child, mp); err != nil {
			slog.Warn("skipping unreadable MIME part", "error", err)
			continue
		}
		p.Children = append(p.Children, child)
	}
}

// readContent reads body and reverses its Content-Transfer-Encoding.
func readContent(h textproto.MIMEHeader, body io.Reader) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding")))

	if encoding == "quoted-printable" {
		return io.ReadAll(quotedprintable.NewReader(body))
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if encoding != "base64" {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// collect sorts the leaves of the tree into bodies and attachments.
func (m *Message) collect(p *Part) {
	if p.Multipart() {
		for _, c := range p.Children {
			m.collect(c)
		}
		return
	}

	switch {
	case p.Disposition == "attachment",
		p.Disposition == "inline" && p.Filename != "":
		m.addAttachment(p)
	case p.MediaType == "text/plain" && m.TextBody == "":
		m.TextBody = string(p.Body)
	case p.MediaType == "text/html" && m.HTMLBody == "":
		m.HTMLBody = string(p.Body)
	case p.Filename != "":
		m.addAttachment(p)
	default:
		slog.Warn("unrecognized MIME part, skipping",
			"content_type", p.MediaType,
			"disposition", p.Disposition,
		)
	}
}

func (m *Message) addAttachment(p *Part) {
	if p.Filename == "" {
		p.Filename = "attachment"
		if parts := strings.SplitN(p.MediaType, "/", 2); len(parts) == 2 {
			p.Filename = "attachment." + parts[1]
		}
	}
	m.Attachments = append(m.Attachments, p)
}

func decodeHeader(raw string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
