package outqueue

import "time"

// Backoff is an exponential retry schedule.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Factor:      2,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the next try, given how many attempts
// have already failed (1 after the first failure).
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(b.Base)
	for i := 1; i < failures; i++ {
		d *= b.Factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether no further attempt is allowed.
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxAttempts > 0 && attempts >= b.MaxAttempts
}
