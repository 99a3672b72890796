// Package archive keeps snapshots of successfully sent messages.
package archive

import (
	"sync"
	"time"
)

// Snapshot is the state of a message at the moment it was sent.
type Snapshot struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
	Protocol  string    `json:"protocol"`

	From    string   `json:"from"`
	To      []string `json:"to,omitempty"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`

	// Headers holds the rendered header fields in emission order as
	// "Name: value" lines.
	Headers []string `json:"headers"`

	// Body is the final rendered body.
	Body string `json:"body"`

	Attachments []string `json:"attachments,omitempty"`
}

// Store records snapshots.
type Store interface {
	Put(s Snapshot) error
	List() ([]Snapshot, error)
	Close() error
}

// Memory is a Store that keeps the most recent snapshots in memory.
type Memory struct {
	// Limit caps the number of snapshots kept; zero keeps all of them.
	Limit int

	mu        sync.Mutex
	snapshots []Snapshot
}

func (m *Memory) Put(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	if m.Limit > 0 && len(m.snapshots) > m.Limit {
		m.snapshots = append([]Snapshot(nil), m.snapshots[len(m.snapshots)-m.Limit:]...)
	}
	return nil
}

// List returns the snapshots oldest first.
func (m *Memory) List() ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
