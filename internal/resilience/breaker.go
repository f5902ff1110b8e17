// Package resilience guards outbound calls to the sandbox and scanner
// services with a circuit breaker and a bounded-retry HTTP caller.
package resilience

import (
	"sync"
	"time"
)

// BreakerState is the current position of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker is a three-state circuit breaker shared by all concurrent callers
// of one protected dependency. State is process-lifetime only.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	threshold  int
	resetAfter time.Duration
	now        func() time.Time
}

// NewBreaker builds a breaker that opens after threshold consecutive
// failures and allows a single probe once resetAfter has elapsed.
func NewBreaker(threshold int, resetAfter time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetAfter <= 0 {
		resetAfter = 5 * time.Minute
	}
	return &Breaker{
		state:      BreakerClosed,
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and the
// cooldown has elapsed it flips to half-open and admits exactly one probe;
// the check and the flip happen under the same lock so concurrent callers
// never observe a stale open state after the cooldown.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.resetAfter {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return false
}

// MarkSuccess resets the failure count and closes the breaker.
func (b *Breaker) MarkSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// MarkFailure records one failure. A half-open probe failure reopens
// immediately; otherwise the breaker opens once the threshold is reached.
func (b *Breaker) MarkFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}

// Reset fully restores the breaker to its initial closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.lastFailure = time.Time{}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
