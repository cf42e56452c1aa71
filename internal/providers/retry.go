package providers

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds the per-provider retry loop.
type RetryPolicy struct {
	Max     int           // total attempts, minimum 1
	Backoff time.Duration // first sleep, doubled after each failed attempt
}

// CallWithRetry runs fn up to policy.Max times with exponential backoff
// between attempts. Fast-fail errors (vendor throttling, dropped
// connections) abort the loop immediately: hammering the same wall only
// extends the penalty window. Context cancellation also aborts.
func CallWithRetry(ctx context.Context, log zerolog.Logger, policy RetryPolicy, op string, fn func() error) error {
	attempts := policy.Max
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if IsFastFail(lastErr) {
			log.Debug().
				Str("op", op).
				Int("attempt", attempt).
				Err(lastErr).
				Msg("Fast-fail error, skipping remaining retries")
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := time.Duration(float64(policy.Backoff) * math.Pow(2, float64(attempt-1)))
		log.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(lastErr).
			Msg("Retrying after error")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
