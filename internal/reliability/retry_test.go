package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func recordingSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestRetrySucceedsOnFirstHealthyAttempt(t *testing.T) {
	var slept []time.Duration
	calls := 0
	v, attempts, err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(time.Second),
		Sleep:       recordingSleep(&slept),
	}, func(context.Context, int) (string, error) {
		calls++
		if calls < 3 {
			return "", errFlaky
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, attempts.Count)
	assert.Len(t, attempts.Errors, 2)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	var slept []time.Duration
	calls := 0
	_, attempts, err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 3,
		Backoff:     LinearBackoff(10 * time.Millisecond),
		Sleep:       recordingSleep(&slept),
	}, func(context.Context, int) (int, error) {
		calls++
		return 0, errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts.Count)
	assert.Len(t, slept, 2, "no sleep after the final attempt")
}

func TestRetryHonorsRetryableClassifier(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, attempts, err := Retry(context.Background(), RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
		Sleep:       recordingSleep(new([]time.Duration)),
	}, func(context.Context, int) (int, error) {
		calls++
		return 0, permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts.Count)
}

func TestRetryStopsWhenParentContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := Retry(ctx, RetryPolicy{MaxAttempts: 4}, func(context.Context, int) (int, error) {
		calls++
		cancel()
		return 0, errFlaky
	})

	require.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestRetryPassesOneBasedAttempt(t *testing.T) {
	var seen []int
	_, _, _ = Retry(context.Background(), RetryPolicy{MaxAttempts: 3}, func(_ context.Context, attempt int) (int, error) {
		seen = append(seen, attempt)
		return 0, errFlaky
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepContext(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
