package reliability

import "time"

// RestartClass tells a restart policy how to react to a device failure.
type RestartClass int

const (
	// RestartRecoverable failures are restarted after the fixed delay.
	RestartRecoverable RestartClass = iota
	// RestartTerminal failures are retried with exponential backoff and
	// eventually halt.
	RestartTerminal
	// RestartFatal failures halt immediately.
	RestartFatal
)

func (c RestartClass) String() string {
	switch c {
	case RestartRecoverable:
		return "recoverable"
	case RestartTerminal:
		return "terminal"
	case RestartFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RestartPolicy decides whether and when a continuously running device
// should be restarted after it stops or fails.
type RestartPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	BackoffCap  time.Duration
	Classify    func(err error) RestartClass
}

// Decision is the outcome of a RestartPolicy evaluation.
type Decision struct {
	Restart bool
	After   time.Duration
	Class   RestartClass
}

// Next evaluates err as the failure that ended consecutive restart attempt
// number attempt (1-based; reset by the caller once the device runs again).
// A nil err means the device stopped on its own.
func (p RestartPolicy) Next(err error, attempt int) Decision {
	class := RestartRecoverable
	if err != nil && p.Classify != nil {
		class = p.Classify(err)
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if class == RestartFatal || attempt > maxAttempts {
		return Decision{Class: class}
	}

	delay := p.Delay
	if class == RestartTerminal {
		cap := p.BackoffCap
		if cap < delay {
			cap = delay
		}
		delay = ExponentialBackoff(attempt-1, p.Delay, cap)
	}
	return Decision{Restart: true, After: delay, Class: class}
}
