package backoff

import "time"

// DefaultMaxAttempts is the delivery ceiling applied when a message does
// not specify its own.
const DefaultMaxAttempts = 5

// DefaultSchedule is the stock retry ladder. It is sized to match
// DefaultMaxAttempts by convention, but the two knobs are independent.
var DefaultSchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// Policy maps a failed attempt number to the delay before the envelope
// becomes eligible again.
type Policy struct {
	schedule []time.Duration
}

// New returns a policy over the given schedule. An empty schedule falls
// back to DefaultSchedule.
func New(schedule []time.Duration) Policy {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	cp := make([]time.Duration, len(schedule))
	copy(cp, schedule)
	return Policy{schedule: cp}
}

// Default returns a policy over DefaultSchedule.
func Default() Policy { return New(nil) }

// Delay returns the wait after the given failed attempt. Attempts are
// 1-indexed; attempts beyond the schedule reuse its last entry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.schedule) {
		attempt = len(p.schedule)
	}
	return p.schedule[attempt-1]
}

// Len returns the number of entries in the schedule.
func (p Policy) Len() int { return len(p.schedule) }
