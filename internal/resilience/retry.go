package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how often a transient persistence failure is retried
// before it is surfaced to the caller.
type RetryPolicy struct {
	// Attempts is the total number of tries including the first. Values
	// below 1 mean a single try.
	Attempts int
	// Backoff is the delay before the first retry. It doubles per retry,
	// capped at MaxBackoff, with up to 25% jitter either way.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// NoRetry performs exactly one attempt.
var NoRetry = RetryPolicy{Attempts: 1}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.Backoff << retry
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	if d <= 0 {
		return 0
	}
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(d))
	return d + jitter
}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// policy is exhausted, or ctx is done. The last error is returned as is.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= attempts || ctx.Err() != nil || !IsTransient(err) {
			return zero, err
		}

		wait := p.delay(attempt - 1)
		zap.L().Warn("retrying transient failure",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}
