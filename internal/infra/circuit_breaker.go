package infra

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is where a venue sits in its cool-down cycle.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Connecting normally
	BreakerOpen                         // Cooling down, attempts rejected
	BreakerHalfOpen                     // One retry allowed after the cool-down
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker is the venue cool-down state machine shared by the stream
// worker and the REST poller: after threshold consecutive failures the venue
// is skipped for cooldown, then retried once. A success on that retry closes
// the breaker and resets the failure count; a failure reopens it.
type CircuitBreaker struct {
	venue     string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker for venue. A threshold below one
// opens on the first failure.
func NewCircuitBreaker(venue string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		venue:     venue,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether the venue may be tried now. An open breaker whose
// cool-down has elapsed moves to half-open and allows one attempt.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return true
	}
	if cb.now().Sub(cb.openedAt) < cb.cooldown {
		return false
	}
	cb.state = BreakerHalfOpen
	slog.Info("Venue cool-down elapsed, retrying", slog.String("venue", cb.venue))
	return true
}

// RetryAt returns when an open breaker allows the next attempt, zero otherwise.
func (cb *CircuitBreaker) RetryAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != BreakerOpen {
		return time.Time{}
	}
	return cb.openedAt.Add(cb.cooldown)
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen {
		slog.Info("Venue recovered", slog.String("venue", cb.venue))
	}
	cb.state = BreakerClosed
	cb.failures = 0
}

// RecordFailure counts a failure and reports whether the venue is now
// cooling down.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures < cb.threshold {
			return false
		}
		slog.Warn("Venue cooling down after repeated failures",
			slog.String("venue", cb.venue),
			slog.Int("failures", cb.failures),
			slog.Duration("cooldown", cb.cooldown))
	case BreakerHalfOpen:
		slog.Warn("Venue retry failed, cooling down again", slog.String("venue", cb.venue))
	}
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	return true
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
