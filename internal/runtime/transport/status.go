package transport

import (
	"sort"
	"sync"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Status is the lifecycle stage of a transport. It only moves forward.
type Status int

const (
	StatusNotStarted Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StatusChanged is raised on every transition.
type StatusChanged struct {
	Previous Status
	Current  Status
}

type lifecycle struct {
	mu        sync.Mutex
	notify    sync.Mutex
	status    Status
	observers map[uint64]func(StatusChanged)
	next      uint64
}

func (l *lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *lifecycle) SubscribeStatus(fn func(StatusChanged)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.observers == nil {
		l.observers = make(map[uint64]func(StatusChanged))
	}
	id := l.next
	l.next++
	l.observers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.observers, id)
			l.mu.Unlock()
		})
	}
}

// start moves from NotStarted to Starting. Only one caller wins.
func (l *lifecycle) start() error {
	if !l.transition(func(current Status) bool { return current == StatusNotStarted }, StatusStarting) {
		return errspkg.ErrAlreadyRunning
	}
	return nil
}

// advance moves to next if it lies ahead and notifies observers in
// subscription order.
func (l *lifecycle) advance(next Status) bool {
	return l.transition(func(current Status) bool { return next > current }, next)
}

// transition moves to next when allowed accepts the current status. The check
// and the move happen under one lock.
func (l *lifecycle) transition(allowed func(Status) bool, next Status) bool {
	l.notify.Lock()
	defer l.notify.Unlock()

	l.mu.Lock()
	if !allowed(l.status) {
		l.mu.Unlock()
		return false
	}
	change := StatusChanged{Previous: l.status, Current: next}
	l.status = next
	ids := make([]uint64, 0, len(l.observers))
	for id := range l.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]func(StatusChanged), len(ids))
	for i, id := range ids {
		observers[i] = l.observers[id]
	}
	l.mu.Unlock()

	for _, fn := range observers {
		fn(change)
	}
	return true
}
