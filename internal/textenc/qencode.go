package textenc

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// maxWordLen is the RFC 2047 limit for one encoded word, delimiters
// included.
const maxWordLen = 75

const wordCloser = "?="

// QEncode prepares a phrase such as a display name for use in a header.
// Input without high-bit bytes is returned as a quoted string with control
// and quote characters backslash-escaped. Anything else is rendered as
// RFC 2047 Q-encoded words.
func (e *Encoder) QEncode(s string) string {
	s = stripLineBreaks(s)
	if !hasHighBit(s) {
		return `"` + escapeQuoted(s) + `"`
	}
	return e.EncodeWord(s)
}

// EncodeHeader prepares unstructured header text such as a subject. ASCII
// text is passed through, anything else becomes Q-encoded words.
func (e *Encoder) EncodeHeader(s string) string {
	s = stripLineBreaks(s)
	if !hasHighBit(s) {
		return s
	}
	return e.EncodeWord(s)
}

// EncodeWord renders s as one or more =?CHARSET?Q?...?= words. Every
// character is written as the =XX escapes of its bytes in the configured
// charset. A new word is started, after CRLF and a space, before one would
// pass 75 characters; a character is never split across words.
func (e *Encoder) EncodeWord(s string) string {
	s = stripLineBreaks(s)
	opener := "=?" + e.charset() + "?Q?"

	var b strings.Builder
	b.WriteString(opener)
	n := len(opener)
	for _, ch := range e.charBytes(s) {
		chunk := hexEscape(ch)
		if n > len(opener) && n+len(chunk)+len(wordCloser) > maxWordLen {
			b.WriteString(wordCloser)
			b.WriteString(e.crlf())
			b.WriteString(" ")
			b.WriteString(opener)
			n = len(opener)
		}
		b.WriteString(chunk)
		n += len(chunk)
	}
	b.WriteString(wordCloser)
	return b.String()
}

// charBytes splits s into per-character byte groups in the target charset.
func (e *Encoder) charBytes(s string) [][]byte {
	charset := e.charset()
	if charset == "UTF-8" || charset == "UTF8" {
		var out [][]byte
		for len(s) > 0 {
			_, size := utf8.DecodeRuneInString(s)
			out = append(out, []byte(s[:size]))
			s = s[size:]
		}
		return out
	}

	raw := []byte(s)
	if enc, err := ianaindex.MIME.Encoding(charset); err == nil && enc != nil {
		if t, err := encoding.ReplaceUnsupported(enc.NewEncoder()).String(s); err == nil {
			raw = []byte(t)
		}
	}
	out := make([][]byte, len(raw))
	for i := range raw {
		out[i] = raw[i : i+1]
	}
	return out
}

func hexEscape(p []byte) string {
	var b strings.Builder
	for _, c := range p {
		fmt.Fprintf(&b, "=%02X", c)
	}
	return b.String()
}

var cEscapes = map[byte]string{
	'\a': `\a`, '\b': `\b`, '\t': `\t`, '\n': `\n`, '\v': `\v`, '\f': `\f`, '\r': `\r`,
}

func escapeQuoted(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\'' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7f:
			if esc, ok := cEscapes[c]; ok {
				b.WriteString(esc)
			} else {
				fmt.Fprintf(&b, `\%03o`, c)
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
