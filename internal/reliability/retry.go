package reliability

import (
	"context"
	"errors"
	"time"
)

// BackoffFunc returns the delay before retry number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// RetryPolicy bounds a retried operation.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	Backoff     BackoffFunc
	// Retryable decides whether err warrants another attempt. Nil retries everything.
	Retryable func(err error) bool
	// Sleep waits between attempts; it defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Attempts reports how a retried operation went.
type Attempts struct {
	Count  int
	Errors []error
}

// Last returns the error of the final failed attempt, if any.
func (a Attempts) Last() error {
	if len(a.Errors) == 0 {
		return nil
	}
	return a.Errors[len(a.Errors)-1]
}

// Retry runs op until it succeeds, returns a non-retryable error, the parent
// context ends, or MaxAttempts is reached. attempt passed to op is 1-based.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context, attempt int) (T, error)) (T, Attempts, error) {
	var (
		zero T
		log  Attempts
	)
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Count = attempt
		v, err := op(ctx, attempt)
		if err == nil {
			return v, log, nil
		}
		log.Errors = append(log.Errors, err)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, log, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, log, err
		}
		if attempt == maxAttempts {
			break
		}
		if p.Backoff != nil {
			if d := p.Backoff(attempt); d > 0 {
				if err := sleep(ctx, d); err != nil {
					return zero, log, errors.Join(log.Last(), err)
				}
			}
		}
	}
	return zero, log, log.Last()
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
