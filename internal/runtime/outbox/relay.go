package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RelayConfig tunes the background re-delivery of committed but unsent
// messages.
type RelayConfig struct {
	// Interval between sweeps while the store is drained.
	Interval time.Duration
	// MaxInterval caps the backoff applied while deliveries keep failing.
	MaxInterval time.Duration
	// BatchSize bounds the messages read per sweep.
	BatchSize int
	// MinAge skips messages younger than this so units of work still
	// delivering their own outbox are left alone.
	MinAge time.Duration
	// OnReport observes every sweep that found pending messages.
	OnReport func(DeliveryReport)
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Minute
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MinAge < 0 {
		c.MinAge = 0
	}
	return c
}

// Relay re-delivers messages whose unit of work committed but whose delivery
// did not complete, for example after a crash. Delivery stays at-least-once:
// a crash between the transport accepting a message and MarkSent replays it.
type Relay struct {
	store     Store
	deliverer Deliverer
	cfg       RelayConfig
	now       func() time.Time
}

// NewRelay returns a relay sweeping store.
func NewRelay(store Store, d Deliverer, cfg RelayConfig) *Relay {
	return &Relay{store: store, deliverer: d, cfg: cfg.withDefaults(), now: time.Now}
}

// Flush runs one sweep.
func (r *Relay) Flush(ctx context.Context) (DeliveryReport, error) {
	pending, err := r.store.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("read pending outbox: %w", err)
	}

	cutoff := r.now().Add(-r.cfg.MinAge)
	entries := make([]*Entry, 0, len(pending))
	for _, env := range pending {
		if r.cfg.MinAge > 0 && env.CreatedAt().After(cutoff) {
			continue
		}
		entries = append(entries, NewEntry(env))
	}
	if len(entries) == 0 {
		return DeliveryReport{}, nil
	}

	report := Deliver(ctx, r.deliverer, entries)
	if len(report.Delivered) > 0 {
		if err := r.store.MarkSent(context.WithoutCancel(ctx), report.Delivered); err != nil {
			return report, fmt.Errorf("mark sent: %w", err)
		}
	}
	if r.cfg.OnReport != nil {
		r.cfg.OnReport(report)
	}
	return report, nil
}

// Run sweeps until ctx ends. Failed sweeps back off exponentially up to
// MaxInterval; a clean sweep resets to Interval.
func (r *Relay) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Interval
	b.MaxInterval = r.cfg.MaxInterval

	wait := r.cfg.Interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		report, err := r.Flush(ctx)
		if err != nil || report.Err != nil || !report.Complete() {
			wait = b.NextBackOff()
		} else {
			b.Reset()
			wait = r.cfg.Interval
		}
		timer.Reset(wait)
	}
}
