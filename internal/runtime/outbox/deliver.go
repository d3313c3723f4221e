package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// Deliverer accepts outbound envelopes. Transports implement it; a false
// return without error means the message was declined.
type Deliverer interface {
	Enqueue(ctx context.Context, env *envelope.Envelope) (bool, error)
}

// DeliveryReport summarises one delivery attempt. Partial failure is reported
// here rather than returned as an error: pending entries stay in the store for
// the relay.
type DeliveryReport struct {
	// Delivered holds the ids accepted by the transport during this attempt.
	Delivered []string
	// Skipped counts entries that were already sent.
	Skipped int
	// Pending holds the ids that were declined, failed or not attempted.
	Pending []string
	// Err joins the enqueue errors and the context error, if any.
	Err error
}

// Complete reports whether nothing is left pending.
func (r DeliveryReport) Complete() bool {
	return len(r.Pending) == 0
}

// Deliver enqueues every unsent entry of batch in order and marks the accepted
// ones as sent. Entries already sent are skipped, so retrying a batch never
// delivers an entry twice.
func Deliver(ctx context.Context, d Deliverer, batch []*Entry) DeliveryReport {
	var report DeliveryReport
	var errs []error

	for i, entry := range batch {
		if entry.Sent() {
			report.Skipped++
			continue
		}
		id := entry.Message().ID()
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			for _, rest := range batch[i:] {
				if !rest.Sent() {
					report.Pending = append(report.Pending, rest.Message().ID())
				}
			}
			break
		}

		accepted, err := d.Enqueue(ctx, entry.Message())
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("enqueue %s: %w", id, err))
			report.Pending = append(report.Pending, id)
		case !accepted:
			errs = append(errs, fmt.Errorf("enqueue %s: %w", id, errspkg.ErrDeclined))
			report.Pending = append(report.Pending, id)
		default:
			entry.markSent()
			report.Delivered = append(report.Delivered, id)
		}
	}

	report.Err = errors.Join(errs...)
	return report
}
