// Package circuit provides per-dependency circuit breakers for agent calls.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing downstream failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Probing whether the dependency recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // Consecutive half-open successes before closing
	Timeout          time.Duration `json:"timeout"`           // Cool-down before a half-open probe
}

// DefaultConfig is used for agent calls when nothing else is configured.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 3,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Error is returned when a breaker refuses a call.
type Error struct {
	Name  string
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s", e.Name, e.State)
}

// Counts is a snapshot of a breaker's counters.
type Counts struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTrip             time.Time
}

// Breaker defines the interface for circuit breaker implementations.
type Breaker interface {
	// Name identifies the protected dependency.
	Name() string

	// Allow reports whether a call may proceed. In HALF_OPEN only one probe is
	// admitted until its outcome is recorded.
	Allow() bool

	// Record records the outcome of a call admitted by Allow.
	Record(success bool)

	// GetState returns the current state.
	GetState() State

	// Counts returns a snapshot of the counters.
	Counts() Counts

	// Reset manually returns the breaker to CLOSED with cleared counters.
	Reset()
}

// StateChangeFunc observes state transitions. It is called without the breaker lock held.
type StateChangeFunc func(name string, from, to State)

// Option configures a breaker.
type Option func(*breaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *breaker) { b.now = now }
}

// WithStateChangeHook registers fn to be called on every transition.
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *breaker) { b.onChange = fn }
}

//nolint:govet // Logical field grouping preferred over memory alignment
type breaker struct {
	name     string
	config   Config
	now      func() time.Time
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastTrip      time.Time
	probeInFlight bool
}

// New creates a breaker for the named dependency. Zero config fields take DefaultConfig values.
func New(name string, config Config, opts ...Option) Breaker {
	b := &breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *breaker) Name() string { return b.name }

func (b *breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := b.allowLocked()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

func (b *breaker) allowLocked() bool {
	switch b.state {
	case Closed:
		return true

	case Open:
		if b.now().Sub(b.lastTrip) < b.config.Timeout {
			return false
		}
		b.state = HalfOpen
		b.successCount = 0
		b.probeInFlight = true
		return true

	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true

	default:
		return false
	}
}

func (b *breaker) Record(success bool) {
	b.mu.Lock()
	from := b.state
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		ConsecutiveFailures:  b.failureCount,
		ConsecutiveSuccesses: b.successCount,
		LastTrip:             b.lastTrip,
	}
}

func (b *breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

// onSuccess handles a successful call. Caller holds mu.
func (b *breaker) onSuccess() {
	b.successCount++
	b.failureCount = 0

	if b.state == HalfOpen {
		b.probeInFlight = false
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.successCount = 0
		}
	}
}

// onFailure handles a failed call. Caller holds mu.
func (b *breaker) onFailure() {
	b.failureCount++
	b.successCount = 0

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.trip()
		}

	case HalfOpen:
		// Any failure while probing re-opens immediately.
		b.trip()

	case Open:
		// Late outcome of a call admitted before the trip.
	}
}

func (b *breaker) trip() {
	b.state = Open
	b.lastTrip = b.now()
	b.probeInFlight = false
}

func (b *breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
