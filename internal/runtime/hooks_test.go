package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/internal/runtime/envelope"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

func TestJobHooksMergeCallsBothInOrder(t *testing.T) {
	var calls []string
	first := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "first-start") },
		OnJobError: func(JobContext, error) { calls = append(calls, "first-error") },
	}
	second := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "second-start") },
		OnJobDone:  func(JobContext) { calls = append(calls, "second-done") },
	}

	merged := first.Merge(second)
	merged.OnJobStart(JobContext{})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	assert.Equal(t, []string{"first-start", "second-start", "second-done", "first-error"}, calls)
}

func TestJobHooksMiddlewareReportsOutcome(t *testing.T) {
	env := newEnvelopeKit(t).create(t, context.Background(), placeOrder{OrderID: "o-11"})

	var started, done JobContext
	var failure error
	mw := jobHooksMiddleware(JobHooks{
		OnJobStart: func(ctx JobContext) { started = ctx },
		OnJobDone:  func(ctx JobContext) { done = ctx },
		OnJobError: func(_ JobContext, err error) { failure = err },
	})

	mc := pipeline.NewMessageContext(env, callerIdentity)
	require.NoError(t, mw(context.Background(), mc, func(context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	}))
	assert.Equal(t, "runtime.placeOrder", started.MessageType)
	assert.Equal(t, envelope.KindCommand, started.Kind)
	assert.Equal(t, env.ID(), started.MessageID)
	assert.Equal(t, env.ConversationID(), done.ConversationID)
	assert.Equal(t, 1, done.Attempts)
	assert.Positive(t, done.Duration)
	assert.NoError(t, failure)

	boom := errors.New("boom")
	err := mw(context.Background(), pipeline.NewMessageContext(env, callerIdentity), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, failure, boom)
}

func TestMetricsHooksReportTypeAndKind(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	record := func(event string) func(string, string) {
		return func(messageType, kind string) {
			mu.Lock()
			defer mu.Unlock()
			seen[event] = messageType + "/" + kind
		}
	}
	hooks := MetricsHooks(record("start"), record("done"), record("error"))

	job := JobContext{MessageType: "runtime.orderPlaced", Kind: envelope.KindEvent}
	hooks.OnJobStart(job)
	hooks.OnJobDone(job)
	hooks.OnJobError(job, errors.New("x"))

	assert.Equal(t, map[string]string{
		"start": "runtime.orderPlaced/event",
		"done":  "runtime.orderPlaced/event",
		"error": "runtime.orderPlaced/event",
	}, seen)

	assert.NotPanics(t, func() {
		silent := MetricsHooks(nil, nil, nil)
		silent.OnJobStart(job)
		silent.OnJobDone(job)
		silent.OnJobError(job, errors.New("x"))
	})
}

func TestLoggingAndAlertingHooks(t *testing.T) {
	logging := LoggingHooks(newTestLogger())
	assert.NotPanics(t, func() {
		logging.OnJobStart(JobContext{MessageType: "runtime.placeOrder"})
		logging.OnJobDone(JobContext{MessageType: "runtime.placeOrder", Attempts: 1})
		logging.OnJobError(JobContext{MessageType: "runtime.placeOrder"}, errors.New("x"))
	})

	var alerted error
	alerting := AlertingHooks(func(_ JobContext, err error) { alerted = err })
	assert.Nil(t, alerting.OnJobStart)
	alerting.OnJobError(JobContext{}, errors.New("page someone"))
	assert.EqualError(t, alerted, "page someone")
}
