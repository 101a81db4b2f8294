package worker

import "time"

const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = 6 * time.Hour
)

// Backoff is capped exponential backoff: Base * 2^(attempt-1), at most Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int64) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	max := b.Max
	if max <= 0 {
		max = b.Base
	}
	d := b.Base
	for i := int64(1); i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
