package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/jsoncodec"
	transportpkg "github.com/drblury/courier/internal/runtime/transport"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute

	transportDependency = "transport"
	outboxDependency    = "outbox"
)

// HandlerStats aggregates the handling history of one message type.
type HandlerStats struct {
	mu sync.Mutex `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Resource     ResourceUsage      `json:"resource"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
	dependencyIndex  map[string]int    `json:"-"`
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name        string        `json:"name"`
	MessageType string        `json:"message_type"`
	Kind        string        `json:"kind"`
	Stats       *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation    uint64 `json:"validation"`
	Authorization uint64 `json:"authorization"`
	Transport     uint64 `json:"transport"`
	Downstream    uint64 `json:"downstream"`
	Panic         uint64 `json:"panic"`
	Other         uint64 `json:"other"`
	LastError     string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// BacklogMetrics tracks concurrency and queueing. LastQueueDepth is -1 when
// the transport does not expose its queue.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	LastQueueDepth     int64  `json:"last_queue_depth"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone          ErrorCategory = "none"
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryAuthorization ErrorCategory = "authorization"
	ErrorCategoryTransport     ErrorCategory = "transport"
	ErrorCategoryDownstream    ErrorCategory = "downstream"
	ErrorCategoryPanic         ErrorCategory = "panic"
	ErrorCategoryOther         ErrorCategory = "other"
)

// ErrorClassifier buckets handling failures for the error breakdown.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats(sampler *resourceTracker) *HandlerStats {
	stats := &HandlerStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(),
		Backlog: BacklogMetrics{
			LastQueueDepth:     -1,
			EstimatedLagMillis: -1,
		},
		dependencyIndex: make(map[string]int),
	}
	stats.addDependency(transportDependency)
	stats.addDependency(outboxDependency)
	return stats
}

func (h *HandlerStats) addDependency(name string) {
	h.Dependencies = append(h.Dependencies, DependencyHealth{
		Name:   name,
		Status: DependencyStatusUnknown,
	})
	if h.dependencyIndex == nil {
		h.dependencyIndex = make(map[string]int)
	}
	h.dependencyIndex[name] = len(h.Dependencies) - 1
}

type handlerInvocationContext struct {
	queueDepth     int64
	queueLagMillis int64
}

// onMessageStart counts env as in flight. Lag is the age of the message id.
func (h *HandlerStats) onMessageStart(env *envelope.Envelope, queueDepth int64) handlerInvocationContext {
	if h == nil {
		return handlerInvocationContext{}
	}
	invocation := handlerInvocationContext{queueDepth: queueDepth, queueLagMillis: -1}
	if env != nil {
		if created := env.CreatedAt(); !created.IsZero() {
			invocation.queueLagMillis = max(time.Since(created).Milliseconds(), 0)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
	return invocation
}

func (h *HandlerStats) onMessageFinish(ctx handlerInvocationContext, duration time.Duration, err error, classifier ErrorClassifier) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if ctx.queueDepth >= 0 {
		h.Backlog.LastQueueDepth = ctx.queueDepth
	}
	if ctx.queueLagMillis >= 0 {
		h.Backlog.EstimatedLagMillis = ctx.queueLagMillis
	}

	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = time.Now().UTC()

	h.latencyWindow.Add(duration)
	h.Latency = h.latencyWindow.Snapshot()

	window := h.throughputWindow.AddAndSnapshot(time.Now())
	h.Throughput = ThroughputMetrics{
		CurrentRPS:       window.CurrentRPS,
		WindowSeconds:    window.WindowSeconds,
		MessagesInWindow: window.Count,
		TotalMessages:    h.MessagesProcessed,
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	category := classifier(err)
	h.Errors.Record(category, err)

	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}

	status, details := DependencyStatusHealthy, ""
	if category == ErrorCategoryTransport {
		status, details = DependencyStatusDegraded, err.Error()
	}
	h.setDependencyStatusLocked(transportDependency, status, details)
}

// setDependencyStatus records the health of a collaborator of the handler.
func (h *HandlerStats) setDependencyStatus(name, status, details string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setDependencyStatusLocked(name, status, details)
}

func (h *HandlerStats) setDependencyStatusLocked(name, status, details string) {
	if name == "" {
		return
	}
	idx, ok := h.dependencyIndex[name]
	if !ok {
		h.addDependency(name)
		idx = len(h.Dependencies) - 1
	}
	dep := h.Dependencies[idx]
	dep.Status = status
	dep.Details = details
	dep.LastChecked = time.Now().UTC()
	h.Dependencies[idx] = dep
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return jsoncodec.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryAuthorization:
		e.Authorization++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryPanic:
		e.Panic++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// latencyWindow keeps the most recent handling durations in a ring.
type latencyWindow struct {
	ring  []time.Duration
	next  int
	count int
	last  time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{ring: make([]time.Duration, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.ring[lw.next] = d
	lw.next = (lw.next + 1) % len(lw.ring)
	lw.count = min(lw.count+1, len(lw.ring))
	lw.last = d
}

// Snapshot reports nearest-rank percentiles over the retained samples.
func (lw *latencyWindow) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: int64(lw.last), SampleSize: lw.count}
	if lw.count == 0 {
		return m
	}
	sorted := slices.Clone(lw.ring[:lw.count])
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	m.AverageNs = int64(sum) / int64(len(sorted))
	m.P50Ns = int64(nearestRank(sorted, 50))
	m.P95Ns = int64(nearestRank(sorted, 95))
	m.P99Ns = int64(nearestRank(sorted, 99))
	return m
}

func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1]
}

// throughputWindow counts completions in one-second buckets over the last
// minute.
type throughputWindow struct {
	buckets [throughputBuckets]throughputBucket
	first   int64
}

type throughputBucket struct {
	second int64
	count  uint64
}

const throughputBuckets = int(throughputWindowSize / time.Second)

type throughputSnapshot struct {
	Count         uint64
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow() *throughputWindow {
	return &throughputWindow{}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	sec := now.Unix()
	if tw.first == 0 {
		tw.first = sec
	}
	b := &tw.buckets[sec%int64(throughputBuckets)]
	if b.second != sec {
		*b = throughputBucket{second: sec}
	}
	b.count++

	var snap throughputSnapshot
	oldest := sec - int64(throughputBuckets) + 1
	for _, b := range tw.buckets {
		if b.second >= oldest {
			snap.Count += b.count
		}
	}
	span := min(sec-tw.first+1, int64(throughputBuckets))
	snap.WindowSeconds = float64(span)
	snap.CurrentRPS = float64(snap.Count) / snap.WindowSeconds
	return snap
}

func defaultErrorClassifier(err error) ErrorCategory {
	var panicErr *transportpkg.PanicError
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errspkg.IsUnprocessable(err):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrUnauthorized):
		return ErrorCategoryAuthorization
	case errors.As(err, &panicErr):
		return ErrorCategoryPanic
	case errors.Is(err, errspkg.ErrDeclined), errors.Is(err, errspkg.ErrNoRoute):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}
