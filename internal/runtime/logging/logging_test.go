package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryServiceLoggerDelegates(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)

	logger.Info("boot", LogFields{"system": "test"})

	child := logger.With(LogFields{"base": "value"})
	child.Debug("child", LogFields{"child": "value"})

	boom := errors.New("boom")
	child.Error("child failed", boom, LogFields{"child": "value"})
	child.Warn("careful", nil)
	child.Trace("trace", nil)

	logs := entry.recorder.logs
	require.Len(t, logs, 5)
	assert.Equal(t, "info", logs[0].level)
	assert.Equal(t, "boot", logs[0].msg)
	assert.Equal(t, "test", logs[0].fields["system"])

	assert.Equal(t, "debug", logs[1].level)
	assert.Equal(t, "value", logs[1].fields["base"])
	assert.Equal(t, "value", logs[1].fields["child"])

	assert.Equal(t, "error", logs[2].level)
	assert.Same(t, boom, logs[2].err)

	assert.Equal(t, "warn", logs[3].level)
	assert.Equal(t, "value", logs[3].fields["base"])
	assert.Equal(t, "trace", logs[4].level)
}

func TestEntryServiceLoggerWithNilFieldsReturnsSelf(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)
	assert.Same(t, logger, logger.With(nil))
}

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "watermill"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})
	logger.With(LogFields{"child": "yes"}).Info("child_info", nil)

	require.Len(t, base.entries, 6)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "watermill", base.entries[0].fields["component"])
	assert.Equal(t, "with", base.entries[4].level)
	assert.Equal(t, "yes", base.entries[4].fields["child"])
}

func TestWatermillServiceLoggerWarnFallsBackToInfo(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Warn("slow consumer", LogFields{"endpoint": "orders"})

	require.Len(t, base.entries, 1)
	assert.Equal(t, "info", base.entries[0].level)
	assert.Equal(t, "warn", base.entries[0].fields["severity"])
	assert.Equal(t, "orders", base.entries[0].fields["endpoint"])
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)
	adapter.(warnLogger).Warn("warn", nil)

	child := adapter.With(watermill.LogFields{"child": "yes"})
	typedChild, ok := child.(*serviceLoggerAdapter)
	require.True(t, ok)
	childBase, ok := typedChild.base.(*recordingServiceLogger)
	require.True(t, ok)
	child.Info("child_info", nil)

	assert.Len(t, base.entries, 5)
	assert.Equal(t, "warn", base.entries[4].level)
	require.Len(t, childBase.entries, 2)
	assert.Equal(t, "yes", childBase.entries[0].fields["child"])
}

func TestSlogServiceLoggerWritesWarnings(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := NewSlogServiceLogger(base).With(LogFields{"endpoint": "billing"})

	logger.Warn("transport degraded", LogFields{"status": "stopping"})
	logger.Info("hello", LogFields{"k": "v"})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "transport degraded")
	assert.Contains(t, out, "endpoint=billing")
	assert.Contains(t, out, "status=stopping")
	assert.Contains(t, out, "hello")
}

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	logger.Info("ignored", nil)
	logger.Warn("ignored", nil)
	logger.Error("ignored", errors.New("boom"), nil)
}

func TestApplyEntryFieldsIgnoresNil(t *testing.T) {
	entry := newFakeEntry()
	assert.Same(t, entry, applyEntryFields(entry, nil))
	assert.NotSame(t, entry, applyEntryFields(entry, LogFields{"k": "v"}))
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	return &recordingServiceLogger{entries: []loggedEntry{{level: "with", fields: fields}}}
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Warn(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "warn", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}

type entryRecorder struct {
	logs []loggedEntry
}

type fakeEntry struct {
	recorder *entryRecorder
	fields   LogFields
	err      error
}

func newFakeEntry() *fakeEntry {
	return &fakeEntry{recorder: &entryRecorder{}}
}

func (f *fakeEntry) clone() *fakeEntry {
	fields := make(LogFields, len(f.fields))
	for k, v := range f.fields {
		fields[k] = v
	}
	return &fakeEntry{recorder: f.recorder, fields: fields, err: f.err}
}

func (f *fakeEntry) Error(args ...any) { f.append("error", args...) }
func (f *fakeEntry) Warn(args ...any)  { f.append("warn", args...) }
func (f *fakeEntry) Info(args ...any)  { f.append("info", args...) }
func (f *fakeEntry) Debug(args ...any) { f.append("debug", args...) }
func (f *fakeEntry) Trace(args ...any) { f.append("trace", args...) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	clone := f.clone()
	clone.err = err
	return clone
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	clone := f.clone()
	clone.fields[key] = value
	return clone
}

func (f *fakeEntry) append(level string, args ...any) {
	f.recorder.logs = append(f.recorder.logs, loggedEntry{
		level:  level,
		msg:    fmt.Sprint(args...),
		fields: f.clone().fields,
		err:    f.err,
	})
}

type messageRef struct{ id, typ, conversation string }

func (m messageRef) ID() string             { return m.id }
func (m messageRef) ReflectedType() string  { return m.typ }
func (m messageRef) ConversationID() string { return m.conversation }

func TestMessageFieldsAndWith(t *testing.T) {
	fields := MessageFields(messageRef{id: "m-1", typ: "billing.invoiceIssued", conversation: "c-1"})
	assert.Equal(t, LogFields{
		FieldMessageID:      "m-1",
		FieldMessageType:    "billing.invoiceIssued",
		FieldConversationID: "c-1",
	}, fields)

	merged := fields.With(LogFields{"attempts": 2, FieldMessageID: "m-2"})
	assert.Equal(t, "m-2", merged[FieldMessageID])
	assert.Equal(t, 2, merged["attempts"])
	assert.Equal(t, "m-1", fields[FieldMessageID], "receiver is not modified")

	assert.Empty(t, MessageFields(nil))
}
