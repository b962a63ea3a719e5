package stream

import "time"

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// BackoffPolicy bounds the reconnect delay.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: DefaultInitialDelay, Max: DefaultMaxDelay}
}

// Start returns the backoff value used for the first retry after a drop.
func (p BackoffPolicy) Start() Backoff {
	p = p.normalized()
	return Backoff{Delay: p.Initial, policy: p}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitialDelay
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Backoff is an immutable reconnect decision: how long to wait before the
// next attempt, and how many consecutive failures led here.
type Backoff struct {
	Delay   time.Duration
	Attempt int

	policy BackoffPolicy
}

// Next is the state after one more consecutive failure.
func (b Backoff) Next() Backoff {
	next := b.Delay * 2
	if next > b.policy.Max || next <= 0 {
		next = b.policy.Max
	}
	return Backoff{Delay: next, Attempt: b.Attempt + 1, policy: b.policy}
}

// Reset is the state after a successful connection.
func (b Backoff) Reset() Backoff {
	return b.policy.Start()
}
