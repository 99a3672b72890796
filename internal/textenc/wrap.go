package textenc

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	unwrapRe        = regexp.MustCompile(`(?s)\{unwrap\}(.+?)\{/unwrap\}`)
	unwrapLooseRe   = regexp.MustCompile(`(?is)\{unwrap\}(.*?)\{/unwrap\}`)
	placeholderRe   = regexp.MustCompile(`\{\{unwrapped\d+\}\}`)
	trailingSpaceRe = regexp.MustCompile(` +\n`)
	urlLikeRe       = regexp.MustCompile(`\[url.+\]|://|www\.`)
)

func placeholder(i int) string {
	return "{{unwrapped" + strconv.Itoa(i) + "}}"
}

// WordWrap wraps text at width columns and terminates every output line with
// the configured newline. A width of zero or less selects the encoder's
// default. Spans enclosed in {unwrap}...{/unwrap} are never split and are
// emitted without their markers. Lines that cannot be broken at a space are
// hard-split around such spans, unless they look like they carry a URL.
func (e *Encoder) WordWrap(text string, width int) string {
	if width <= 0 {
		width = e.wrapChars()
	}
	nl := e.newline()

	text = NormalizeNewlines(text)
	text = trailingSpaceRe.ReplaceAllString(text, "\n")

	var kept []string
	text = unwrapRe.ReplaceAllStringFunc(text, func(m string) string {
		kept = append(kept, unwrapRe.FindStringSubmatch(m)[1])
		return placeholder(len(kept) - 1)
	})

	text = wrapWords(strings.TrimSuffix(text, "\n"), width)

	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " ")
		if len(line) > width && !urlLikeRe.MatchString(line) {
			for len(line) > width {
				n := splitIndex(line, width-1)
				if n >= len(line) {
					break
				}
				b.WriteString(line[:n])
				b.WriteString(nl)
				line = line[n:]
			}
		}
		b.WriteString(line)
		b.WriteString(nl)
	}

	out := b.String()
	for i, s := range kept {
		out = strings.ReplaceAll(out, placeholder(i), s)
	}
	return out
}

// wrapWords breaks text at spaces so that lines stay within width bytes where
// possible. Words longer than width are left intact.
func wrapWords(text string, width int) string {
	b := []byte(text)
	laststart, lastspace := 0, 0
	for cur := 0; cur < len(b); cur++ {
		switch {
		case b[cur] == '\n':
			laststart, lastspace = cur+1, cur+1
		case b[cur] == ' ':
			if cur-laststart >= width {
				b[cur] = '\n'
				laststart = cur + 1
			}
			lastspace = cur
		case cur-laststart >= width && laststart != lastspace:
			b[lastspace] = '\n'
			laststart = lastspace + 1
		}
	}
	return string(b)
}

// splitIndex is cutIndex moved out of any unwrap placeholder: before it when
// text precedes the placeholder, after it otherwise.
func splitIndex(line string, n int) int {
	n = cutIndex(line, n)
	for _, loc := range placeholderRe.FindAllStringIndex(line, -1) {
		if n <= loc[0] || n >= loc[1] {
			continue
		}
		if loc[0] > 0 {
			return loc[0]
		}
		return loc[1]
	}
	return n
}

// cutIndex returns a split position of at most n bytes that does not fall
// inside a UTF-8 sequence, and is always at least one.
func cutIndex(s string, n int) int {
	if n < 1 {
		n = 1
	}
	if n >= len(s) {
		return len(s)
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if i == 0 {
		return n
	}
	return i
}

// UnwrapSpecials removes {unwrap} markers left in s, deleting line breaks
// inside the marked spans.
func UnwrapSpecials(s string) string {
	return unwrapLooseRe.ReplaceAllStringFunc(s, func(m string) string {
		return stripLineBreaks(unwrapLooseRe.FindStringSubmatch(m)[1])
	})
}
