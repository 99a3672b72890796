package textenc

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var htmlBodyRe = regexp.MustCompile(`(?is)<body.*?>(.*)</body>`)

// PlainFromHTML derives a plain-text rendering of an HTML document: the
// <body> content with comments, tags, scripts and tabs removed, runs of three
// or more newlines collapsed to one blank line and runs of spaces collapsed.
func PlainFromHTML(doc string) string {
	if m := htmlBodyRe.FindStringSubmatch(doc); m != nil {
		doc = m[1]
	}
	text := strings.TrimSpace(stripTags(doc))
	text = strings.ReplaceAll(text, "\t", "")
	for i := 20; i >= 3; i-- {
		text = strings.ReplaceAll(text, strings.Repeat("\n", i), "\n\n")
	}
	return spaceRunRe.ReplaceAllString(text, " ")
}

func stripTags(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			if isRawTextTag(z) {
				skip++
			}
		case html.EndTagToken:
			if isRawTextTag(z) && skip > 0 {
				skip--
			}
		}
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}
