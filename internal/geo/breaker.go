package geo

import (
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// breaker is a single-circuit breaker: it opens after failThreshold
// consecutive failures and lets one probe through after resetTimeout.
type breaker struct {
	mu            sync.Mutex
	state         circuitState
	failures      int
	probing       bool
	lastFailure   time.Time
	failThreshold int
	resetTimeout  time.Duration
	now           func() time.Time
}

func newBreaker(failThreshold int, resetTimeout time.Duration) *breaker {
	if failThreshold <= 0 {
		failThreshold = 5
	}
	return &breaker{failThreshold: failThreshold, resetTimeout: resetTimeout, now: time.Now}
}

// allow reports whether a request may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitOpen:
		if b.now().Sub(b.lastFailure) < b.resetTimeout {
			return false
		}
		b.state = circuitHalfOpen
		b.probing = true
		return true
	case circuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = circuitClosed
	b.failures = 0
	b.probing = false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	if b.state == circuitHalfOpen || b.failures >= b.failThreshold {
		b.state = circuitOpen
	}
}
