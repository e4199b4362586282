package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrAllFailed is returned when every entry of a [Chain] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// ChainConfig configures the breaker created for each entry of a [Chain].
type ChainConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// DisableBreakers makes every entry eligible on every call.
	DisableBreakers bool
}

// Attempt describes the outcome of one entry during [Run].
type Attempt struct {
	// Index is the position of the entry in the chain.
	Index int

	// Name is the entry's registration name.
	Name string

	// Err is nil for the successful attempt.
	Err error

	// Skipped is true when the entry's breaker rejected the call.
	Skipped bool
}

type chainEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain holds an ordered list of interchangeable backends. Entries are tried
// strictly in the order they were added; there is no delay between entries.
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     ChainConfig
}

// NewChain creates an empty chain.
func NewChain[T any](cfg ChainConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends an entry. Add must not be called concurrently with [Run].
func (c *Chain[T]) Add(name string, value T) {
	var cb *CircuitBreaker
	if !c.cfg.DisableBreakers {
		bc := c.cfg.CircuitBreaker
		bc.Name = name
		cb = NewCircuitBreaker(bc)
	}
	c.entries = append(c.entries, chainEntry[T]{name: name, value: value, breaker: cb})
}

// Len returns the number of entries.
func (c *Chain[T]) Len() int { return len(c.entries) }

// Names returns entry names in order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.name
	}
	return out
}

// BreakerState returns the breaker state of the named entry. Entries without a
// breaker, and unknown names, report [StateClosed].
func (c *Chain[T]) BreakerState(name string) State {
	for _, e := range c.entries {
		if e.name == name && e.breaker != nil {
			return e.breaker.State()
		}
	}
	return StateClosed
}

// Run calls fn for each entry in order until one succeeds and returns its
// result. observe, when non-nil, is called once per entry that was tried or
// skipped. If every entry fails the returned error wraps [ErrAllFailed] and
// the last entry error. A cancelled ctx stops the walk early.
func Run[T, R any](ctx context.Context, c *Chain[T], fn func(ctx context.Context, name string, value T) (R, error), observe func(Attempt)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	if len(c.entries) == 0 {
		return zero, fmt.Errorf("%w: chain is empty", ErrAllFailed)
	}
	for i := range c.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &c.entries[i]

		var result R
		call := func() error {
			var err error
			result, err = fn(ctx, e.name, e.value)
			return err
		}
		var err error
		if e.breaker != nil {
			err = e.breaker.Execute(call)
		} else {
			err = call()
		}

		if observe != nil {
			observe(Attempt{Index: i, Name: e.name, Err: err, Skipped: errors.Is(err, ErrCircuitOpen)})
		}
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
