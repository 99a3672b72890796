// Package textenc implements the text transforms used while composing a
// message: word wrapping, RFC 2047 header encoding and quoted-printable body
// encoding.
package textenc

import "strings"

// DefaultWrapChars is the wrap width used when none is configured.
const DefaultWrapChars = 76

// DefaultCharset is the character set assumed when none is configured.
const DefaultCharset = "UTF-8"

// terminators lists the accepted line terminator sequences.
var terminators = []string{"\n", "\r\n", "\n\r", "\r"}

// Encoder holds the settings shared by the transforms. The zero value is
// usable and behaves as UTF-8 with "\r\n" newlines, "\n" quoted-printable
// line breaks and 76 column wrapping.
type Encoder struct {
	// Charset names the output character set, e.g. "UTF-8" or "ISO-8859-1".
	Charset string

	// Newline terminates wrapped lines and header lines.
	Newline string

	// CRLF terminates quoted-printable lines and folded header words.
	CRLF string

	// WrapChars is the default wrap width.
	WrapChars int
}

// ValidTerminator reports whether s is one of the accepted line terminators.
func ValidTerminator(s string) bool {
	for _, t := range terminators {
		if s == t {
			return true
		}
	}
	return false
}

// NormalizeNewlines rewrites "\r\n" and lone "\r" line breaks to "\n".
func NormalizeNewlines(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func (e *Encoder) charset() string {
	if e.Charset == "" {
		return DefaultCharset
	}
	return strings.ToUpper(e.Charset)
}

func (e *Encoder) newline() string {
	if e.Newline == "" {
		return "\r\n"
	}
	return e.Newline
}

func (e *Encoder) crlf() string {
	if e.CRLF == "" {
		return "\n"
	}
	return e.CRLF
}

func (e *Encoder) wrapChars() int {
	if e.WrapChars <= 0 {
		return DefaultWrapChars
	}
	return e.WrapChars
}

func stripLineBreaks(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func hasHighBit(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return true
		}
	}
	return false
}
