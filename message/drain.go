package message

import (
	"context"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Deliverer performs one delivery attempt. A returned error is treated as
// transient and retried; the outcome of a returned result is final for the
// attempt, with Retry putting the message back on the queue.
type Deliverer func(ctx context.Context, m *Message) (DeliveryResult, error)

// DrainOptions configures Drain
type DrainOptions struct {
	// Retries is the number of times a failing Deliverer call is repeated
	// before the attempt is recorded as failed
	Retries int
	// Delay between retries. With MaxDelay set, the delay backs off
	// exponentially up to MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
	// MaxAttempts caps how often a message may be requeued by a Retry
	// outcome; the last attempt is recorded as failed. 0 means no cap.
	MaxAttempts int
	Logger      *slog.Logger
}

// Drain consumes b until it is complete or ctx is done, settling every
// message with the result of deliver. It returns ctx.Err() when stopped by
// ctx.
func Drain(ctx context.Context, b *Batch, deliver Deliverer, opts DrainOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	builder := retrypolicy.Builder[DeliveryResult]().
		HandleIf(func(_ DeliveryResult, err error) bool { return err != nil }).
		WithMaxRetries(opts.Retries)
	if opts.MaxDelay > opts.Delay && opts.Delay > 0 {
		builder = builder.WithBackoff(opts.Delay, opts.MaxDelay)
	} else {
		builder = builder.WithDelay(opts.Delay)
	}
	policy := builder.Build()

	for m := range b.All(ctx) {
		var last error
		r, err := failsafe.NewExecutor[DeliveryResult](policy).WithContext(ctx).
			Get(func() (DeliveryResult, error) {
				r, err := deliver(ctx, m)
				last = err
				return r, err
			})
		if err != nil {
			if ctx.Err() != nil {
				// the message was popped but not attempted to completion
				b.Requeue(m)
				return ctx.Err()
			}
			if last != nil {
				err = last
			}
			logger.Debug("delivery failed", "message", m.ID, "error", err)
			r = DeliveryResult{Code: r.Code, Message: err.Error(), Outcome: Failed}
		}

		if r.Outcome == Retry && opts.MaxAttempts > 0 && m.Attempts()+1 >= opts.MaxAttempts {
			logger.Debug("requeue limit reached", "message", m.ID, "attempts", m.Attempts()+1)
			r.Outcome = Failed
		}

		logger.Debug("message settled", "message", m.ID, "outcome", r.Outcome, "code", r.Code)
		b.Settle(m, r)
	}

	return ctx.Err()
}
