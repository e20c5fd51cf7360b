// Package limiter bounds language model usage with a per-minute token bucket and a cap on
// concurrent calls.
package limiter

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimit is returned when the token bucket cannot cover a reservation.
	ErrRateLimit = errors.New("token rate limit exceeded")
	// ErrConcurrencyLimit is returned when every call slot is taken.
	ErrConcurrencyLimit = errors.New("concurrent call limit exceeded")
)

// Limiter enforces a tokens-per-minute budget and a maximum number of in-flight calls.
// A zero limit disables that check.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Limiter struct {
	mu              sync.Mutex
	tokensPerMinute int
	maxInFlight     int
	currentTokens   int
	inFlight        int
	lastRefill      time.Time
	now             func() time.Time
}

// New creates a limiter with a full bucket.
func New(tokensPerMinute, maxInFlight int) *Limiter {
	return newWithClock(tokensPerMinute, maxInFlight, time.Now)
}

func newWithClock(tokensPerMinute, maxInFlight int, now func() time.Time) *Limiter {
	return &Limiter{
		tokensPerMinute: tokensPerMinute,
		maxInFlight:     maxInFlight,
		currentTokens:   tokensPerMinute,
		lastRefill:      now(),
		now:             now,
	}
}

// Reserve takes tokens from the bucket.
func (l *Limiter) Reserve(tokens int) error {
	if l == nil || l.tokensPerMinute <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillTokens()
	if l.currentTokens < tokens {
		return ErrRateLimit
	}
	l.currentTokens -= tokens
	return nil
}

// Acquire takes a call slot. Every successful Acquire must be paired with Release.
func (l *Limiter) Acquire() error {
	if l == nil || l.maxInFlight <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.maxInFlight {
		return ErrConcurrencyLimit
	}
	l.inFlight++
	return nil
}

// Release returns a call slot.
func (l *Limiter) Release() {
	if l == nil || l.maxInFlight <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// Status returns the tokens left in the bucket and the calls in flight.
func (l *Limiter) Status() (tokens, inFlight int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillTokens()
	return l.currentTokens, l.inFlight
}

func (l *Limiter) refillTokens() {
	elapsed := l.now().Sub(l.lastRefill)
	if elapsed < time.Minute {
		return
	}

	// Refill for each whole minute that has passed, capped at one minute's budget.
	minutes := int(elapsed / time.Minute)
	l.currentTokens += minutes * l.tokensPerMinute
	if l.currentTokens > l.tokensPerMinute {
		l.currentTokens = l.tokensPerMinute
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(minutes) * time.Minute)
}
