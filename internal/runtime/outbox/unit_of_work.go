package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

type state int

const (
	stateIdle state = iota
	stateStarted
	stateEnded
)

// UnitOfWork scopes the outbox of one inbound message. It moves from idle to
// started to ended; Commit delivers the outbox after the store committed and
// Rollback discards it without touching the transport.
type UnitOfWork struct {
	mu        sync.Mutex
	store     Store
	deliverer Deliverer
	outbox    *Outbox
	tx        Tx
	state     state
	behavior  Behavior
}

// NewUnitOfWork returns an idle unit delivering through d. A nil store keeps
// nothing beyond the in-memory buffer.
func NewUnitOfWork(store Store, d Deliverer) *UnitOfWork {
	if store == nil {
		store = nopStore{}
	}
	return &UnitOfWork{store: store, deliverer: d, outbox: New()}
}

// Outbox returns the buffer handlers send into.
func (u *UnitOfWork) Outbox() *Outbox { return u.outbox }

// Behavior returns the behavior decided by Start.
func (u *UnitOfWork) Behavior() Behavior {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.behavior
}

// Start opens the store transaction for inbound.
func (u *UnitOfWork) Start(ctx context.Context, inbound *envelope.Envelope) (Behavior, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case stateStarted:
		return Regular, errspkg.ErrUnitOfWorkActive
	case stateEnded:
		return Regular, errspkg.ErrUnitOfWorkEnded
	}

	tx, behavior, err := u.store.Begin(ctx, inbound)
	if err != nil {
		return Regular, fmt.Errorf("begin unit of work: %w", err)
	}
	u.tx = tx
	u.behavior = behavior
	u.state = stateStarted
	return behavior, nil
}

// BindContext lets the handler join the store transaction when the store
// supports it.
func (u *UnitOfWork) BindContext(ctx context.Context) context.Context {
	u.mu.Lock()
	tx := u.tx
	u.mu.Unlock()
	if binder, ok := tx.(ContextBinder); ok {
		return binder.BindContext(ctx)
	}
	return ctx
}

// Commit commits the store transaction and then delivers every unsent entry.
// A failed store commit delivers nothing. Delivery failures are reported, not
// returned. Committing an ended unit delivers nothing.
func (u *UnitOfWork) Commit(ctx context.Context) (DeliveryReport, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case stateIdle:
		return DeliveryReport{}, errspkg.ErrUnitOfWorkNotStarted
	case stateEnded:
		return DeliveryReport{}, nil
	}
	defer u.end()

	if u.behavior == NoOp {
		return DeliveryReport{}, u.tx.Rollback(ctx)
	}

	entries := u.outbox.Entries()
	batch := make([]*envelope.Envelope, len(entries))
	for i, e := range entries {
		batch[i] = e.Message()
	}

	if err := u.tx.Commit(ctx, batch); err != nil {
		rbErr := u.tx.Rollback(ctx)
		return DeliveryReport{}, errors.Join(fmt.Errorf("commit unit of work: %w", err), rbErr)
	}

	if len(entries) == 0 {
		return DeliveryReport{}, nil
	}

	report := Deliver(ctx, u.deliverer, entries)
	if len(report.Delivered) > 0 {
		if err := u.store.MarkSent(context.WithoutCancel(ctx), report.Delivered); err != nil {
			report.Err = errors.Join(report.Err, fmt.Errorf("mark sent: %w", err))
		}
	}
	return report, nil
}

// Rollback discards the buffered entries and rolls back the store
// transaction. The transport is never called.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case stateIdle:
		u.end()
		return nil
	case stateEnded:
		return nil
	}
	defer u.end()
	return u.tx.Rollback(ctx)
}

// Ended reports whether the unit committed or rolled back.
func (u *UnitOfWork) Ended() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == stateEnded
}

func (u *UnitOfWork) end() {
	u.outbox.close()
	u.state = stateEnded
}

type nopStore struct{}

func (nopStore) Begin(context.Context, *envelope.Envelope) (Tx, Behavior, error) {
	return nopTx{}, Regular, nil
}
func (nopStore) MarkSent(context.Context, []string) error { return nil }
func (nopStore) Pending(context.Context, int) ([]*envelope.Envelope, error) {
	return nil, nil
}

type nopTx struct{}

func (nopTx) Commit(context.Context, []*envelope.Envelope) error { return nil }
func (nopTx) Rollback(context.Context) error                     { return nil }
