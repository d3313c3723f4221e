package runtime

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/courier/internal/runtime/outbox"
)

const metricsNamespace = "courier"

// serviceMetrics holds the Prometheus collectors of one service. A nil
// *serviceMetrics records nothing, so callers need no enabled checks.
type serviceMetrics struct {
	handledTotal      *prometheus.CounterVec
	handlingSeconds   *prometheus.HistogramVec
	deadLettersTotal  *prometheus.CounterVec
	transportErrors   *prometheus.CounterVec
	outboxDelivered   prometheus.Counter
	outboxIncomplete  prometheus.Counter
	relayRedelivered  prometheus.Counter
	collectors        []prometheus.Collector
	pendingCountLimit time.Duration
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func newGaugeFunc(subsystem, name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

// newServiceMetrics creates the collectors of s, including gauges reading the
// live state of its transport, outbox store and request registry.
func newServiceMetrics(s *Service) *serviceMetrics {
	m := &serviceMetrics{
		handledTotal:      newCounterVec("handler", "messages_total", "Messages handled, by type and outcome", []string{"message_type", "outcome"}),
		handlingSeconds:   newHistogramVec("handler", "duration_seconds", "Time spent handling a message including retries", prometheus.DefBuckets, []string{"message_type"}),
		deadLettersTotal:  newCounterVec("handler", "dead_letters_total", "Messages moved to the poison queue", []string{"message_type"}),
		transportErrors:   newCounterVec("transport", "errors_total", "Failures reported by the transport", []string{"message_type"}),
		outboxDelivered:   newCounter("outbox", "delivered_total", "Outbox messages accepted by the transport"),
		outboxIncomplete:  newCounter("outbox", "incomplete_deliveries_total", "Unit of work commits that left messages pending"),
		relayRedelivered:  newCounter("outbox", "relayed_total", "Pending messages delivered by the relay"),
		pendingCountLimit: time.Second,
	}
	m.collectors = []prometheus.Collector{
		m.handledTotal,
		m.handlingSeconds,
		m.deadLettersTotal,
		m.transportErrors,
		m.outboxDelivered,
		m.outboxIncomplete,
		m.relayRedelivered,
		newGaugeFunc("rpc", "pending_requests", "Requests awaiting a reply", func() float64 {
			return float64(s.requests.Pending())
		}),
		newGaugeFunc("transport", "status", "Transport lifecycle stage (0 not started .. 4 stopped)", func() float64 {
			return float64(s.transport.Status())
		}),
		newGaugeFunc("transport", "in_flight", "Messages being handled", func() float64 {
			if t, ok := s.transport.(interface{ InFlight() int }); ok {
				return float64(t.InFlight())
			}
			return 0
		}),
	}
	if counter, ok := s.store.(outbox.PendingCounter); ok {
		m.collectors = append(m.collectors, newGaugeFunc("outbox", "pending", "Committed messages not yet delivered", func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), m.pendingCountLimit)
			defer cancel()
			n, err := counter.PendingCount(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		}))
	}
	return m
}

// register adds every collector to registerer. Collectors registered earlier
// by the same process are tolerated.
func (m *serviceMetrics) register(registerer prometheus.Registerer) error {
	for _, c := range m.collectors {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

func (m *serviceMetrics) handled(messageType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.handledTotal.WithLabelValues(messageType, outcome).Inc()
	m.handlingSeconds.WithLabelValues(messageType).Observe(duration.Seconds())
}

func (m *serviceMetrics) deadLettered(messageType string) {
	if m == nil {
		return
	}
	m.deadLettersTotal.WithLabelValues(messageType).Inc()
}

func (m *serviceMetrics) transportError(messageType string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(messageType).Inc()
}

func (m *serviceMetrics) delivered(report outbox.DeliveryReport) {
	if m == nil {
		return
	}
	m.outboxDelivered.Add(float64(len(report.Delivered)))
	if !report.Complete() {
		m.outboxIncomplete.Inc()
	}
}

func (m *serviceMetrics) relayed(report outbox.DeliveryReport) {
	if m == nil {
		return
	}
	m.relayRedelivered.Add(float64(len(report.Delivered)))
}
