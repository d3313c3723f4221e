package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	cpuSecondsMetric  = "/cpu/classes/total:cpu-seconds"
	heapBytesMetric   = "/memory/classes/heap/objects:bytes"
	goroutinesMetric  = "/sched/goroutines:goroutines"
	resourceSampleAge = time.Second
)

// resourceTracker samples process CPU, heap and goroutines for the handler
// stats. Samples are shared by every handler and refreshed at most once per
// maxAge.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	numCPU  float64
	maxAge  time.Duration
	now     func() time.Time

	lastCPUSeconds float64
	lastSample     time.Time
	last           ResourceUsage
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: cpuSecondsMetric},
			{Name: heapBytesMetric},
			{Name: goroutinesMetric},
		},
		numCPU: float64(runtime.GOMAXPROCS(0)),
		maxAge: resourceSampleAge,
		now:    time.Now,
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.lastSample.IsZero() && now.Sub(r.lastSample) < r.maxAge {
		return r.last
	}

	metrics.Read(r.samples)
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	for _, s := range r.samples {
		switch s.Name {
		case cpuSecondsMetric:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if elapsed := now.Sub(r.lastSample).Seconds(); !r.lastSample.IsZero() && elapsed > 0 && r.numCPU > 0 {
				usage.CPUPercent = max((cpu-r.lastCPUSeconds)/elapsed/r.numCPU*100, 0)
			}
			r.lastCPUSeconds = cpu
		case heapBytesMetric:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case goroutinesMetric:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}

	r.lastSample = now
	r.last = usage
	return usage
}
