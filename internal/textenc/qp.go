package textenc

import (
	"fmt"
	"mime/quotedprintable"
	"regexp"
	"strings"
)

// qpLineMax bounds an encoded line, soft break included.
const qpLineMax = 76

var spaceRunRe = regexp.MustCompile(` +`)

// qpSafe marks the bytes that pass through the tolerant encoder unescaped.
var qpSafe [256]bool

func init() {
	for _, c := range []byte("'()*+,-./:=?") {
		qpSafe[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		qpSafe[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		qpSafe[c] = true
		qpSafe[c+'a'-'A'] = true
	}
}

// QuotedPrintable encodes s for a quoted-printable body part. Unwrap markers
// are dropped. When CRLF is "\r\n" the strict encoder from mime/quotedprintable
// is used; otherwise lines are encoded with the configured CRLF, which some
// receiving systems need.
func (e *Encoder) QuotedPrintable(s string) string {
	s = strings.NewReplacer("{unwrap}", "", "{/unwrap}", "").Replace(s)
	crlf := e.crlf()

	if crlf == "\r\n" {
		var b strings.Builder
		w := quotedprintable.NewWriter(&b)
		_, _ = w.Write([]byte(s))
		_ = w.Close()
		return b.String()
	}

	s = spaceRunRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\x00", "")
	s = NormalizeNewlines(s)

	var out strings.Builder
	for _, line := range strings.Split(s, "\n") {
		var temp strings.Builder
		for i := 0; i < len(line); i++ {
			c := line[i]
			var chunk string
			switch {
			case c == ' ' || c == '\t':
				if i == len(line)-1 {
					chunk = fmt.Sprintf("=%02X", c)
				} else {
					chunk = string(c)
				}
			case c == '=' || !qpSafe[c]:
				chunk = fmt.Sprintf("=%02X", c)
			default:
				chunk = string(c)
			}
			if temp.Len()+len(chunk) >= qpLineMax {
				out.WriteString(temp.String())
				out.WriteString("=")
				out.WriteString(crlf)
				temp.Reset()
			}
			temp.WriteString(chunk)
		}
		out.WriteString(temp.String())
		out.WriteString(crlf)
	}
	return strings.TrimSuffix(out.String(), crlf)
}
