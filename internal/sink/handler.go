// Package sink implements a small SMTP server that accepts mail and hands
// each message to a Handler instead of relaying it. It is used to inspect
// what the mailer puts on the wire and as the peer in client tests.
package sink

import (
	"context"
	"sync"
	"time"

	"github.com/shineum/smtp-mailer/internal/parser"
)

// Delivery is one message accepted by the server.
type Delivery struct {
	// MailFrom and RcptTo are the envelope addresses.
	MailFrom string
	RcptTo   []string

	// Raw is the message as received, after dot-unstuffing.
	Raw []byte

	// Message is the parsed form of Raw.
	Message *parser.Message

	Received time.Time
}

// Handler consumes accepted messages. An error makes the server answer the
// DATA command with a temporary failure.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
	Name() string
}

// Recorder keeps every delivery in memory.
type Recorder struct {
	mu         sync.Mutex
	deliveries []*Delivery
}

func (r *Recorder) Handle(_ context.Context, d *Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return nil
}

func (r *Recorder) Name() string {
	return "recorder"
}

// Deliveries returns a copy of the recorded deliveries in arrival order.
func (r *Recorder) Deliveries() []*Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// Len returns the number of recorded deliveries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

// Handlers fans a delivery out to several handlers and stops at the first
// error.
type Handlers []Handler

func (hs Handlers) Handle(ctx context.Context, d *Delivery) error {
	for _, h := range hs {
		if err := h.Handle(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (hs Handlers) Name() string {
	names := ""
	for i, h := range hs {
		if i > 0 {
			names += "+"
		}
		names += h.Name()
	}
	return names
}
