// Package rpc correlates replies with the requests awaiting them.
package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/syncx"
)

// Completion is the pending result of one request.
type Completion = syncx.Completion[*envelope.Envelope]

type entry struct {
	completion *Completion
	created    time.Time
	stop       func() bool
}

// Registry tracks pending requests by request message id. Entries leave the
// registry when their completion resolves or their enrollment context ends.
// There is no implicit timeout.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry), now: time.Now}
}

// TryEnroll registers completion under requestID. Enrolling an id twice is a
// configuration error and leaves the existing entry untouched. Ending ctx
// cancels the completion and removes the entry.
func (r *Registry) TryEnroll(ctx context.Context, requestID string, completion *Completion) error {
	if completion == nil {
		return errspkg.NewConfigurationError("request %s enrolled without a completion", requestID)
	}

	r.mu.Lock()
	if _, exists := r.entries[requestID]; exists {
		r.mu.Unlock()
		return &errspkg.ConfigurationError{
			Reason: fmt.Sprintf("enroll request %s", requestID),
			Err:    errspkg.ErrDuplicateEnrollment,
		}
	}
	e := &entry{completion: completion, created: r.now()}
	r.entries[requestID] = e
	r.mu.Unlock()

	e.stop = context.AfterFunc(ctx, func() {
		completion.TryCancel(context.Cause(ctx))
	})
	go func() {
		<-completion.Done()
		e.stop()
		r.remove(requestID, e)
	}()
	return nil
}

// TrySetResult resolves the request with reply. Unknown or already resolved
// ids return false.
func (r *Registry) TrySetResult(requestID string, reply *envelope.Envelope) bool {
	e, ok := r.take(requestID)
	if !ok {
		return false
	}
	return e.completion.TrySetResult(reply)
}

// TrySetError fails the request with err.
func (r *Registry) TrySetError(requestID string, err error) bool {
	e, ok := r.take(requestID)
	if !ok {
		return false
	}
	return e.completion.TrySetError(err)
}

// Cancel cancels the request with cause.
func (r *Registry) Cancel(requestID string, cause error) bool {
	e, ok := r.take(requestID)
	if !ok {
		return false
	}
	return e.completion.TryCancel(cause)
}

// CancelAll cancels every pending request, for example on shutdown.
func (r *Registry) CancelAll(cause error) int {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.completion.TryCancel(cause) {
			n++
		}
	}
	return n
}

// Contains reports whether requestID is pending.
func (r *Registry) Contains(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[requestID]
	return ok
}

// Pending returns the number of pending requests.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PendingIDs lists pending request ids, oldest first.
func (r *Registry) PendingIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.entries[ids[i]].created, r.entries[ids[j]].created
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.Before(b)
	})
	return ids
}

func (r *Registry) take(requestID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[requestID]
	if ok {
		delete(r.entries, requestID)
	}
	return e, ok
}

func (r *Registry) remove(requestID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[requestID] == e {
		delete(r.entries, requestID)
	}
}
