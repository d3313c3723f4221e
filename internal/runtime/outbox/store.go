package outbox

import (
	"context"
	"sync"

	"github.com/drblury/courier/internal/runtime/envelope"
)

// Behavior tells the caller whether an inbound message needs handling.
type Behavior int

const (
	// Regular means the inbound message is handled normally.
	Regular Behavior = iota
	// NoOp means the inbound message was already handled and the handler can
	// be skipped.
	NoOp
)

func (b Behavior) String() string {
	if b == NoOp {
		return "noop"
	}
	return "regular"
}

// Store persists outbound messages together with the local state change of a
// unit of work.
type Store interface {
	// Begin opens the local transaction for handling inbound, which may be
	// nil for work not triggered by a message. The behavior is NoOp when
	// inbound was already handled.
	Begin(ctx context.Context, inbound *envelope.Envelope) (Tx, Behavior, error)
	// MarkSent records that the transport accepted the given messages.
	MarkSent(ctx context.Context, ids []string) error
	// Pending returns committed messages not yet marked sent, oldest first.
	Pending(ctx context.Context, limit int) ([]*envelope.Envelope, error)
}

// Tx is the local transaction of one unit of work.
type Tx interface {
	// Commit durably stores batch along with the handler's state change.
	Commit(ctx context.Context, batch []*envelope.Envelope) error
	Rollback(ctx context.Context) error
}

// ContextBinder is implemented by transactions the handler can join, such as
// a *sql.Tx exposed through the context.
type ContextBinder interface {
	BindContext(ctx context.Context) context.Context
}

// Migrator is implemented by stores that need their schema prepared before
// the endpoint consumes.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// PendingCounter is implemented by stores that can count undelivered messages.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// MemoryStore keeps the outbox and the handled inbound ids in process memory.
// It deduplicates redelivered inbound messages for the life of the process.
type MemoryStore struct {
	mu      sync.Mutex
	handled map[string]struct{}
	order   []string
	pending map[string]*envelope.Envelope
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		handled: make(map[string]struct{}),
		pending: make(map[string]*envelope.Envelope),
	}
}

func (s *MemoryStore) Begin(_ context.Context, inbound *envelope.Envelope) (Tx, Behavior, error) {
	tx := &memoryTx{store: s}
	if inbound == nil {
		return tx, Regular, nil
	}
	tx.inbound = inbound.ID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.handled[tx.inbound]; seen {
		return tx, NoOp, nil
	}
	return tx, Regular, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.pending, id)
	}
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	var out []*envelope.Envelope
	for _, id := range s.order {
		env, ok := s.pending[id]
		if !ok {
			continue
		}
		kept = append(kept, id)
		if limit <= 0 || len(out) < limit {
			out = append(out, env)
		}
	}
	s.order = kept
	return out, nil
}

func (s *MemoryStore) PendingCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

// Handled reports whether the inbound message id was committed.
func (s *MemoryStore) Handled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handled[id]
	return ok
}

type memoryTx struct {
	store   *MemoryStore
	inbound string
}

func (t *memoryTx) Commit(_ context.Context, batch []*envelope.Envelope) error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.inbound != "" {
		s.handled[t.inbound] = struct{}{}
	}
	for _, env := range batch {
		if _, exists := s.pending[env.ID()]; exists {
			continue
		}
		s.pending[env.ID()] = env
		s.order = append(s.order, env.ID())
	}
	return nil
}

func (t *memoryTx) Rollback(context.Context) error { return nil }
