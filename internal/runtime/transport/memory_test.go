package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

func TestStatusMovesForwardAndNotifies(t *testing.T) {
	tr := NewMemoryTransport(MemoryConfig{})
	assert.Equal(t, StatusNotStarted, tr.Status())

	var changes []StatusChanged
	tr.SubscribeStatus(func(c StatusChanged) { changes = append(changes, c) })
	dropped := tr.SubscribeStatus(func(StatusChanged) { t.Error("unsubscribed observer called") })
	dropped()

	stop := running(t, tr)
	require.NoError(t, stop())

	assert.Equal(t, StatusStopped, tr.Status())
	assert.Equal(t, []StatusChanged{
		{Previous: StatusNotStarted, Current: StatusStarting},
		{Previous: StatusStarting, Current: StatusRunning},
		{Previous: StatusRunning, Current: StatusStopping},
		{Previous: StatusStopping, Current: StatusStopped},
	}, changes)

	assert.ErrorIs(t, tr.RunBackgroundMessageProcessing(context.Background()), errspkg.ErrAlreadyRunning)
	assert.False(t, tr.advance(StatusRunning), "status never moves backwards")
	assert.Equal(t, "stopped", tr.Status().String())
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	var (
		l    lifecycle
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	var starting atomic.Int32
	l.SubscribeStatus(func(c StatusChanged) {
		if c.Current == StatusStarting {
			starting.Add(1)
		}
	})
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.start(); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, errspkg.ErrAlreadyRunning)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 1, starting.Load())
	assert.Equal(t, StatusStarting, l.Status())
}

func TestBindIsLockedOnceRunning(t *testing.T) {
	k := newKit(t)
	tr := NewMemoryTransport(MemoryConfig{})
	box := &inbox{}
	require.NoError(t, tr.Bind(warehouse, box.handle, k.types(packParcel{})))

	err := tr.Bind(warehouse, box.handle, k.types(packParcel{}))
	assert.True(t, errspkg.IsConfigurationError(err), "an identity binds once")
	assert.ErrorIs(t, tr.Bind(courier, nil, nil), errspkg.ErrHandlerRequired)
	assert.True(t, errspkg.IsConfigurationError(tr.Bind(envelope.Identity{}, box.handle, nil)))
	assert.True(t, errspkg.IsConfigurationError(tr.Bind(envelope.NewIdentity("ware@house", "node-1"), box.handle, nil)))
	assert.ErrorIs(t, tr.BindErrorHandler(audit, func(context.Context, *envelope.Envelope, error) {}), errspkg.ErrNotBound)

	stop := running(t, tr)
	defer stop()

	assert.ErrorIs(t, tr.Bind(courier, box.handle, nil), errspkg.ErrTopologyLocked)
	assert.NoError(t, tr.BindErrorHandler(warehouse, func(context.Context, *envelope.Envelope, error) {}))
}

func TestMemoryRouting(t *testing.T) {
	k := newKit(t)
	tr := NewMemoryTransport(MemoryConfig{Concurrency: 4})

	primary, secondary, couriers, auditor := &inbox{}, &inbox{}, &inbox{}, &inbox{}
	require.NoError(t, tr.Bind(warehouse, primary.handle, k.types(packParcel{}, trackParcel{})))
	require.NoError(t, tr.Bind(backup, secondary.handle, k.types(packParcel{})))
	require.NoError(t, tr.Bind(courier, couriers.handle, k.types(parcelPacked{})))
	require.NoError(t, tr.Bind(audit, auditor.handle, k.types(parcelPacked{})))

	stop := running(t, tr)
	defer stop()
	ctx := context.Background()

	command := k.create(t, packParcel{Parcel: "p-1"}, courier, nil)
	accepted, err := tr.Enqueue(ctx, command)
	require.NoError(t, err)
	assert.True(t, accepted)

	event := k.create(t, parcelPacked{Parcel: "p-1"}, warehouse, command)
	accepted, err = tr.Enqueue(ctx, event)
	require.NoError(t, err)
	assert.True(t, accepted)

	request := k.create(t, trackParcel{Parcel: "p-1"}, courier, nil)
	accepted, err = tr.Enqueue(ctx, request)
	require.NoError(t, err)
	assert.True(t, accepted)

	reply := k.create(t, parcelLocation{Depot: "north"}, warehouse, request)
	accepted, err = tr.Enqueue(ctx, reply)
	require.NoError(t, err)
	assert.True(t, accepted)

	require.Eventually(t, func() bool {
		return primary.len() == 2 && couriers.len() == 2 && auditor.len() == 1
	}, time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []string{command.ID(), request.ID()}, primary.ids(), "first bound owner wins")
	assert.Zero(t, secondary.len())
	assert.ElementsMatch(t, []string{event.ID(), reply.ID()}, couriers.ids())
	assert.Equal(t, []string{event.ID()}, auditor.ids())
}

func TestMemoryDeclines(t *testing.T) {
	k := newKit(t)
	tr := NewMemoryTransport(MemoryConfig{QueueCapacity: 1})
	box := &inbox{}
	require.NoError(t, tr.Bind(warehouse, box.handle, k.types(packParcel{})))
	ctx := context.Background()

	t.Run("no owner", func(t *testing.T) {
		ok, err := tr.Enqueue(ctx, k.create(t, trackParcel{}, courier, nil))
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("reply without reachable destination", func(t *testing.T) {
		request := k.create(t, trackParcel{}, audit, nil)
		ok, err := tr.Enqueue(ctx, k.create(t, parcelLocation{}, warehouse, request))
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("full queue", func(t *testing.T) {
		ok, err := tr.Enqueue(ctx, k.create(t, packParcel{}, courier, nil))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tr.Enqueue(ctx, k.create(t, packParcel{}, courier, nil))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, tr.Queued())
	})
	t.Run("cancelled context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		ok, err := tr.Enqueue(cancelled, k.create(t, packParcel{}, courier, nil))
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ok)
	})
	t.Run("event without subscribers is accepted", func(t *testing.T) {
		<-tr.queue
		ok, err := tr.Enqueue(ctx, k.create(t, parcelPacked{}, warehouse, nil))
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestMemoryBuffersUntilStarted(t *testing.T) {
	k := newKit(t)
	tr := NewMemoryTransport(MemoryConfig{})
	box := &inbox{}
	require.NoError(t, tr.Bind(warehouse, box.handle, k.types(packParcel{})))

	early := k.create(t, packParcel{Parcel: "p-0"}, courier, nil)
	ok, err := tr.Enqueue(context.Background(), early)
	require.NoError(t, err)
	assert.True(t, ok, "startup actions send before the loop runs")
	assert.Equal(t, StatusNotStarted, tr.Status())
	assert.Zero(t, box.len())

	stop := running(t, tr)
	require.Eventually(t, func() bool { return box.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{early.ID()}, box.ids())
	require.NoError(t, stop())

	ok, err = tr.Enqueue(context.Background(), k.create(t, packParcel{}, courier, nil))
	require.NoError(t, err)
	assert.False(t, ok, "a stopped transport declines")
}

func TestHandlerFailuresReachErrorHandlerAndLoopSurvives(t *testing.T) {
	k := newKit(t)
	fallback := &failures{}
	tr := NewMemoryTransport(MemoryConfig{OnError: fallback.handle})
	bound := &failures{}

	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, tr.Bind(warehouse, func(_ context.Context, env *envelope.Envelope) error {
		switch calls.Add(1) {
		case 1:
			panic("exploded")
		case 2:
			return boom
		}
		return nil
	}, k.types(packParcel{})))
	require.NoError(t, tr.BindErrorHandler(warehouse, bound.handle))

	stop := running(t, tr)
	defer stop()

	for range 3 {
		ok, err := tr.Enqueue(context.Background(), k.create(t, packParcel{}, courier, nil))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { errs, _ := bound.snapshot(); return len(errs) == 2 }, time.Second, 5*time.Millisecond)

	errs, envs := bound.snapshot()
	var panicErr *PanicError
	require.ErrorAs(t, errs[0], &panicErr)
	assert.Equal(t, "exploded", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.ErrorIs(t, errs[1], boom)
	assert.NotNil(t, envs[1])

	fallbackErrs, _ := fallback.snapshot()
	assert.Empty(t, fallbackErrs)
	assert.Equal(t, StatusRunning, tr.Status())
}

func TestShutdownWaitsForInFlightWithDetachedContext(t *testing.T) {
	k := newKit(t)
	tr := NewMemoryTransport(MemoryConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr atomic.Value

	require.NoError(t, tr.Bind(warehouse, func(ctx context.Context, _ *envelope.Envelope) error {
		close(started)
		<-release
		handlerCtxErr.Store(fmt.Sprint(ctx.Err()))
		return nil
	}, k.types(packParcel{})))

	stop := running(t, tr)
	ok, err := tr.Enqueue(context.Background(), k.create(t, packParcel{}, courier, nil))
	require.NoError(t, err)
	require.True(t, ok)
	<-started
	assert.Equal(t, 1, tr.InFlight())

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()

	require.Eventually(t, func() bool { return tr.Status() == StatusStopping }, time.Second, time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stopped before in-flight handler finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, StatusStopped, tr.Status())
	assert.Equal(t, "<nil>", handlerCtxErr.Load(), "loop cancellation does not reach the handler")

	ok, err = tr.Enqueue(context.Background(), k.create(t, packParcel{}, courier, nil))
	require.NoError(t, err)
	assert.False(t, ok, "a stopped transport declines")
}

func TestDrainTimeout(t *testing.T) {
	k := newKit(t)
	tr := NewMemoryTransport(MemoryConfig{DrainTimeout: 10 * time.Millisecond})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, tr.Bind(warehouse, func(context.Context, *envelope.Envelope) error {
		close(started)
		<-block
		return nil
	}, k.types(packParcel{})))

	stop := running(t, tr)
	_, err := tr.Enqueue(context.Background(), k.create(t, packParcel{}, courier, nil))
	require.NoError(t, err)
	<-started
	assert.ErrorIs(t, stop(), context.DeadlineExceeded)
}
