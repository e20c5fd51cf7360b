package circuit

import (
	"context"
	"fmt"
)

// Fallback produces a substitute value. cause is a *Error when the breaker short-circuited,
// or the operation's error when WithFallbackOnFailure is set.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	fallbackOnFailure bool
}

// WithFallbackOnFailure routes failed operations through the fallback as well as short-circuits.
func WithFallbackOnFailure() ExecutorOption {
	return func(o *executorOptions) { o.fallbackOnFailure = true }
}

// Executor guards an operation returning T with a breaker and a fallback.
type Executor[T any] struct {
	breaker  Breaker
	fallback Fallback[T]
	opts     executorOptions
}

// NewExecutor wraps breaker. fallback may be nil, in which case a short-circuit returns *Error.
func NewExecutor[T any](breaker Breaker, fallback Fallback[T], opts ...ExecutorOption) *Executor[T] {
	e := &Executor[T]{breaker: breaker, fallback: fallback}
	for _, opt := range opts {
		opt(&e.opts)
	}
	return e
}

// Breaker returns the underlying breaker.
func (e *Executor[T]) Breaker() Breaker {
	return e.breaker
}

// Execute runs op unless the breaker refuses, in which case the fallback answers without
// op being called. op's error is returned unchanged unless WithFallbackOnFailure is set.
// A panicking op is recorded as a failure before the panic continues.
func (e *Executor[T]) Execute(ctx context.Context, op func(ctx context.Context) (T, error)) (result T, err error) {
	if !e.breaker.Allow() {
		return e.runFallback(ctx, &Error{Name: e.breaker.Name(), State: e.breaker.GetState()})
	}

	recorded := false
	defer func() {
		if !recorded {
			e.breaker.Record(false)
		}
	}()

	result, err = op(ctx)
	e.breaker.Record(err == nil)
	recorded = true

	if err != nil && e.opts.fallbackOnFailure && e.fallback != nil {
		return e.runFallback(ctx, err)
	}
	return result, err
}

func (e *Executor[T]) runFallback(ctx context.Context, cause error) (T, error) {
	if e.fallback == nil {
		var zero T
		return zero, cause
	}
	v, err := e.fallback(ctx, cause)
	if err != nil {
		return v, fmt.Errorf("fallback for %s: %w", e.breaker.Name(), err)
	}
	return v, nil
}
