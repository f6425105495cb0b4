package realtime

import "time"

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultMaxDelay     = 60 * time.Second
)

// Backoff doubles the reconnect delay per consecutive failure, starting at
// Initial and capped at Max. There is no attempt limit.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: DefaultInitialDelay, Max: DefaultMaxDelay}
}

// Delay returns the wait before reconnect attempt number attempt (from 0).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialDelay
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	d := b.Initial
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
