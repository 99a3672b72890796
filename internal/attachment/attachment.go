// Package attachment holds the files attached to a message together with
// their pre-encoded content.
package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// lineWidth is the length of an encoded content line per RFC 2045.
const lineWidth = 76

var (
	// ErrTypeUnknown is returned when no MIME type was given and none could
	// be detected.
	ErrTypeUnknown = errors.New("the actual type of the file could not be found, you can try specifying it manually")

	// ErrUnreadable is returned when the source cannot be opened or read.
	ErrUnreadable = errors.New("the file could not be read")

	// ErrNotFound is returned by MarkInline when no attachment matches.
	ErrNotFound = errors.New("attachment not found")
)

// Group is the multipart container an attachment is rendered into.
type Group string

const (
	GroupMixed   Group = "mixed"
	GroupRelated Group = "related"
)

// Attachment describes one attached file.
type Attachment struct {
	// Source is the original source name, a file path for files.
	Source string

	// Name overrides the display name when set.
	Name string

	MIMEType    string
	Disposition string
	Group       Group
	ContentID   string

	// Content is the base64 encoding of the bytes read at attach time,
	// broken into 76 character lines each followed by the store's newline.
	Content string
}

// DisplayName returns the name shown to the recipient.
func (a Attachment) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return filepath.Base(a.Source)
}

// Detector determines the MIME type of a source.
type Detector interface {
	Detect(source string) (string, error)
}

// FileDetector detects types of files on disk, first by extension and then
// by sniffing the leading bytes.
type FileDetector struct{}

// Detect returns the MIME type of the file at path.
func (FileDetector) Detect(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt, nil
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

// Store is an ordered list of attachments. The zero value is ready for use
// and encodes content lines with "\r\n".
type Store struct {
	Newline  string
	Detector Detector

	items []Attachment
}

func (s *Store) detector() Detector {
	if s.Detector == nil {
		return FileDetector{}
	}
	return s.Detector
}

func (s *Store) newline() string {
	if s.Newline == "" {
		return "\r\n"
	}
	return s.Newline
}

// Attach reads the file at path and appends it. An empty disposition means
// "attachment"; an empty mimeType is detected from the file. The returned
// value identifies the attachment by position.
func (s *Store) Attach(path, disposition, name, mimeType string) (int, error) {
	if mimeType == "" {
		mt, err := s.detector().Detect(path)
		if err != nil || mt == "" {
			return 0, fmt.Errorf("%w: %s", ErrTypeUnknown, path)
		}
		mimeType = mt
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return s.add(path, disposition, name, mimeType, data), nil
}

// AttachReader reads r to the end and appends its content under name. An
// empty mimeType is derived from the name's extension, falling back to
// sniffing the content.
func (s *Store) AttachReader(r io.Reader, name, disposition, mimeType string) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		if len(data) == 0 {
			return 0, fmt.Errorf("%w: %s", ErrTypeUnknown, name)
		}
		mimeType = http.DetectContentType(data)
	}
	return s.add(name, disposition, "", mimeType, data), nil
}

func (s *Store) add(source, disposition, name, mimeType string, data []byte) int {
	if disposition == "" {
		disposition = "attachment"
	}
	s.items = append(s.items, Attachment{
		Source:      source,
		Name:        name,
		MIMEType:    mimeType,
		Disposition: disposition,
		Group:       GroupMixed,
		Content:     chunk(base64.StdEncoding.EncodeToString(data), s.newline()),
	})
	return len(s.items) - 1
}

// MarkInline moves the first attachment whose source is source into the
// related group and assigns it a unique Content-ID, which is returned for
// use as a cid: reference.
func (s *Store) MarkInline(source string) (string, error) {
	for i := range s.items {
		if s.items[i].Source != source {
			continue
		}
		s.items[i].Group = GroupRelated
		s.items[i].ContentID = s.items[i].DisplayName() + "@" + uuid.NewString()
		return s.items[i].ContentID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, source)
}

// All returns a copy of the attachments in attach order.
func (s *Store) All() []Attachment {
	out := make([]Attachment, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of attachments.
func (s *Store) Len() int {
	return len(s.items)
}

// HasGroup reports whether any attachment belongs to g.
func (s *Store) HasGroup(g Group) bool {
	for _, a := range s.items {
		if a.Group == g {
			return true
		}
	}
	return false
}

// Clear removes all attachments.
func (s *Store) Clear() {
	s.items = nil
}

func chunk(encoded, newline string) string {
	var b strings.Builder
	for i := 0; i < len(encoded); i += lineWidth {
		end := i + lineWidth
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
		b.WriteString(newline)
	}
	return b.String()
}
