package mimebuild

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/shineum/smtp-mailer/internal/attachment"
	"github.com/shineum/smtp-mailer/internal/parser"
	"github.com/shineum/smtp-mailer/internal/textenc"
)

func testBuilder() *Builder {
	b := New(&textenc.Encoder{})
	b.NewBoundary = func(prefix string) string { return prefix + "test" }
	return b
}

func logo() attachment.Attachment {
	return attachment.Attachment{
		Source:      "/tmp/logo.png",
		MIMEType:    "image/png",
		Disposition: "inline",
		Group:       attachment.GroupRelated,
		ContentID:   "logo.png@1234",
		Content:     base64.StdEncoding.EncodeToString([]byte("0123456789")) + "\r\n",
	}
}

func report() attachment.Attachment {
	return attachment.Attachment{
		Source:      "/tmp/report.txt",
		MIMEType:    "text/plain",
		Disposition: "attachment",
		Group:       attachment.GroupMixed,
		Content:     base64.StdEncoding.EncodeToString([]byte("quarterly")) + "\r\n",
	}
}

// parse renders r as a complete message and parses it back.
func parse(t *testing.T, r Result) *parser.Message {
	t.Helper()
	raw := "From: a@x.com\r\nMime-Version: 1.0\r\n" + r.Payload("\r\n")
	msg, err := parser.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("failed to parse rendered message: %v\n%s", err, raw)
	}
	return msg
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		html, attach bool
		want         Class
	}{
		{false, false, Plain},
		{true, false, HTML},
		{false, true, PlainAttach},
		{true, true, HTMLAttach},
	}
	for _, tt := range tests {
		if got := Classify(tt.html, tt.attach); got != tt.want {
			t.Errorf("Classify(%v, %v): got %s, want %s", tt.html, tt.attach, got, tt.want)
		}
	}
}

func TestTransferEncoding(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"us-ascii":    "7bit",
		"US-ASCII":    "7bit",
		"iso-2022-jp": "7bit",
		"UTF-8":       "8bit",
		"ISO-8859-1":  "8bit",
	}
	for charset, want := range tests {
		if got := TransferEncoding(charset); got != want {
			t.Errorf("TransferEncoding(%q): got %q, want %q", charset, got, want)
		}
	}
}

func TestBuild_Plain(t *testing.T) {
	t.Parallel()

	r := testBuilder().Build(Input{Body: "Hello", WordWrap: true})
	if r.Class != Plain {
		t.Errorf("Class: got %s", r.Class)
	}
	if want := "Content-Type: text/plain; charset=UTF-8\r\nContent-Transfer-Encoding: 8bit"; r.ContentHeader != want {
		t.Errorf("ContentHeader: got %q, want %q", r.ContentHeader, want)
	}
	if r.Body != "Hello\r\n" {
		t.Errorf("Body: got %q, want %q", r.Body, "Hello\r\n")
	}

	unwrapped := testBuilder().Build(Input{Body: "Hello"})
	if unwrapped.Body != "Hello" {
		t.Errorf("Body without wrapping: got %q", unwrapped.Body)
	}
}

func TestBuild_HTMLSinglePart(t *testing.T) {
	t.Parallel()

	r := testBuilder().Build(Input{HTML: true, Body: "<p>Hi</p>"})
	if !strings.Contains(r.ContentHeader, "text/html") || !strings.Contains(r.ContentHeader, "quoted-printable") {
		t.Errorf("ContentHeader: got %q", r.ContentHeader)
	}
	if strings.Contains(r.Body, "B_ALT_") {
		t.Error("single-part HTML must not contain a boundary")
	}

	msg := parse(t, r)
	if strings.TrimSpace(msg.HTMLBody) != "<p>Hi</p>" {
		t.Errorf("HTMLBody: got %q", msg.HTMLBody)
	}
}

func TestBuild_HTMLAlternative(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		alt      string
		wantText string
	}{
		{name: "derived from html", wantText: "Hello World"},
		{name: "explicit alternative", alt: "  Plain version  ", wantText: "Plain version"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := testBuilder().Build(Input{
				HTML:       true,
				Body:       "<html><body><p>Hello <b>World</b></p></body></html>",
				AltMessage: tt.alt,
				WordWrap:   true,
				Multipart:  true,
			})
			if want := `Content-Type: multipart/alternative; boundary="B_ALT_test"`; r.ContentHeader != want {
				t.Errorf("ContentHeader: got %q, want %q", r.ContentHeader, want)
			}
			if !strings.HasPrefix(r.Body, "This is a multi-part message in MIME format.\r\n") {
				t.Errorf("missing preamble: %q", r.Body)
			}
			if !strings.HasSuffix(r.Body, "--B_ALT_test--") {
				t.Errorf("alternative region not closed: %q", r.Body)
			}

			msg := parse(t, r)
			if got := strings.TrimSpace(msg.TextBody); got != tt.wantText {
				t.Errorf("TextBody: got %q, want %q", got, tt.wantText)
			}
			if !strings.Contains(msg.HTMLBody, "<b>World</b>") {
				t.Errorf("HTMLBody: got %q", msg.HTMLBody)
			}
		})
	}
}

func TestBuild_PlainAttach(t *testing.T) {
	t.Parallel()

	r := testBuilder().Build(Input{Body: "See attached", WordWrap: true, Attachments: []attachment.Attachment{report()}})
	if r.Class != PlainAttach {
		t.Errorf("Class: got %s", r.Class)
	}
	if strings.Count(r.Body, "--B_ATC_test--") != 1 {
		t.Errorf("mixed region must close once:\n%s", r.Body)
	}

	msg := parse(t, r)
	if strings.TrimSpace(msg.TextBody) != "See attached" {
		t.Errorf("TextBody: got %q", msg.TextBody)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	if att := msg.Attachments[0]; att.Filename != "report.txt" || string(att.Body) != "quarterly" {
		t.Errorf("attachment: got %q %q", att.Filename, att.Body)
	}
}

func TestBuild_HTMLAttachNesting(t *testing.T) {
	t.Parallel()

	r := testBuilder().Build(Input{
		HTML:        true,
		Body:        `<p>Logo <img src="cid:logo.png@1234"></p>`,
		WordWrap:    true,
		Multipart:   true,
		Attachments: []attachment.Attachment{report(), logo()},
	})

	if want := `Content-Type: multipart/mixed; boundary="B_ATC_test"`; r.ContentHeader != want {
		t.Errorf("ContentHeader: got %q, want %q", r.ContentHeader, want)
	}
	for _, closing := range []string{"--B_ATC_test--", "--B_REL_test--", "--B_ALT_test--"} {
		if n := strings.Count(r.Body, closing); n != 1 {
			t.Errorf("%s appears %d times, want 1", closing, n)
		}
	}
	if n := strings.Count(r.Body, `boundary="B_REL_test"`); n != 1 {
		t.Errorf("related boundary declared %d times, want 1", n)
	}
	if strings.Index(r.Body, "--B_REL_test--") > strings.Index(r.Body, "--B_ATC_test--") {
		t.Error("related region must close inside the mixed region")
	}

	msg := parse(t, r)
	root := msg.Root
	if root.MediaType != "multipart/mixed" || len(root.Children) != 2 {
		t.Fatalf("root: got %q with %d children", root.MediaType, len(root.Children))
	}
	related := root.Children[0]
	if related.MediaType != "multipart/related" || len(related.Children) != 2 {
		t.Fatalf("related: got %q with %d children", related.MediaType, len(related.Children))
	}
	if alt := related.Children[0]; alt.MediaType != "multipart/alternative" || len(alt.Children) != 2 {
		t.Errorf("alternative: got %q with %d children", alt.MediaType, len(alt.Children))
	}
	if img := related.Children[1]; img.ContentID != "logo.png@1234" || string(img.Body) != "0123456789" {
		t.Errorf("inline image: cid %q body %q", img.ContentID, img.Body)
	}
	if doc := root.Children[1]; doc.Filename != "report.txt" || string(doc.Body) != "quarterly" {
		t.Errorf("mixed attachment: %q %q", doc.Filename, doc.Body)
	}
}

func TestBuild_HTMLAttachRelatedOnly(t *testing.T) {
	t.Parallel()

	r := testBuilder().Build(Input{
		HTML:        true,
		Body:        `<img src="cid:logo.png@1234">`,
		Multipart:   true,
		Attachments: []attachment.Attachment{logo()},
	})

	if want := `Content-Type: multipart/related; boundary="B_REL_test"`; r.ContentHeader != want {
		t.Errorf("ContentHeader: got %q, want %q", r.ContentHeader, want)
	}
	if strings.Contains(r.Body, "B_ATC_") {
		t.Error("no mixed wrapper expected without mixed attachments")
	}

	msg := parse(t, r)
	if msg.Root.MediaType != "multipart/related" || len(msg.Root.Children) != 2 {
		t.Errorf("root: got %q with %d children", msg.Root.MediaType, len(msg.Root.Children))
	}
}

func TestBuild_HTMLAttachMixedOnly(t *testing.T) {
	t.Parallel()

	r := testBuilder().Build(Input{
		HTML:        true,
		Body:        "<p>Report</p>",
		Multipart:   true,
		Attachments: []attachment.Attachment{report()},
	})
	if strings.Contains(r.Body, "B_REL_") {
		t.Error("no related wrapper expected without inline attachments")
	}

	msg := parse(t, r)
	if len(msg.Root.Children) != 2 || msg.Root.Children[0].MediaType != "multipart/alternative" {
		t.Errorf("unexpected tree under %q", msg.Root.MediaType)
	}
}
