package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes for idempotent
// upstream calls.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsServerErrorStatus reports whether code is a 5xx status.
func IsServerErrorStatus(code int) bool {
	return code >= 500 && code <= 599
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// LinearBackoff returns step*attempt, so the first retry waits one step,
// the second two steps, and so on. attempt is 1-based.
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt <= 0 || step <= 0 {
			return 0
		}
		return time.Duration(attempt) * step
	}
}

// CappedExponential adapts ExponentialBackoff to a BackoffFunc.
func CappedExponential(base, cap time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return ExponentialBackoff(attempt-1, base, cap)
	}
}
