package resilience

import "time"

// Default retry parameters.
const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// RetryPolicy bounds automatic retries with exponential backoff. The zero
// value uses the defaults.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first failure. A
	// negative value disables retries.
	MaxRetries int
	// Backoff is the delay before the first retry. It doubles every attempt.
	Backoff time.Duration
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	return p
}

// Delay returns the backoff before retry number attempt (1-based), and
// false when the budget is exhausted.
func (p RetryPolicy) Delay(attempt int) (time.Duration, bool) {
	p = p.withDefaults()
	if p.MaxRetries < 0 || attempt < 1 || attempt > p.MaxRetries {
		return 0, false
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff, true
		}
	}
	return min(d, p.MaxBackoff), true
}

// Next decides whether a failure classified as e may be retried as attempt
// number attempt, and after how long. Non-recoverable failures and
// permission failures are never retried automatically. A suggested
// RetryAfter longer than the backoff wins.
func (p RetryPolicy) Next(e *Error, attempt int) (time.Duration, bool) {
	if e == nil || !e.Recoverable || e.Kind == KindPermission {
		return 0, false
	}
	d, ok := p.Delay(attempt)
	if !ok {
		return 0, false
	}
	if e.RetryAfter > d {
		d = e.RetryAfter
	}
	return d, true
}
