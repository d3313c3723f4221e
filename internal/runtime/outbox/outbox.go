// Package outbox implements the transactional outbox: messages produced while
// handling an inbound message are buffered and only reach the transport after
// the handling's local state change committed.
package outbox

import (
	"sync"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Entry is one buffered outbound message. Sent flips to true once the
// transport accepted the message and never flips back.
type Entry struct {
	message *envelope.Envelope
	mu      sync.Mutex
	sent    bool
}

// NewEntry wraps env in an unsent entry.
func NewEntry(env *envelope.Envelope) *Entry {
	return &Entry{message: env}
}

func (e *Entry) Message() *envelope.Envelope { return e.message }

// Sent reports whether the transport accepted the message.
func (e *Entry) Sent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

func (e *Entry) markSent() {
	e.mu.Lock()
	e.sent = true
	e.mu.Unlock()
}

// Outbox buffers the entries of one unit of work. It is closed once the unit
// ends; adding to a closed outbox fails.
type Outbox struct {
	mu      sync.Mutex
	entries []*Entry
	closed  bool
}

// New returns an empty, open outbox.
func New() *Outbox {
	return &Outbox{}
}

// Add buffers env.
func (o *Outbox) Add(env *envelope.Envelope) (*Entry, error) {
	if env == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errspkg.ErrOutboxClosed
	}
	entry := NewEntry(env)
	o.entries = append(o.entries, entry)
	return entry, nil
}

// Entries returns a snapshot of the buffered entries in insertion order.
func (o *Outbox) Entries() []*Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

// Messages returns the buffered envelopes in insertion order.
func (o *Outbox) Messages() []*envelope.Envelope {
	entries := o.Entries()
	out := make([]*envelope.Envelope, len(entries))
	for i, e := range entries {
		out[i] = e.message
	}
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Clear drops every buffered entry.
func (o *Outbox) Clear() {
	o.mu.Lock()
	o.entries = nil
	o.mu.Unlock()
}

// Closed reports whether the owning unit of work ended.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.entries = nil
	o.mu.Unlock()
}
