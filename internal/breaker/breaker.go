// Package breaker wraps sony/gobreaker with the settings memgate uses to
// protect outbound calls to remote memory and embedding services. A tripped
// breaker fails calls fast instead of stacking timeouts behind a dead service.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker is open and the call was rejected
// without being attempted.
var ErrOpen = errors.New("circuit breaker is open")

// Config controls when the breaker trips and recovers.
type Config struct {
	// MaxFailures is the number of consecutive failures required to trip.
	MaxFailures uint32

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes in
	// half-open state required to close the breaker.
	HalfOpenMaxSuccesses uint32
}

// Breaker guards a single upstream service. Closed passes calls through,
// open rejects them immediately, half-open lets probe calls decide.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker with the default policy: trip after 3 consecutive
// failures, stay open 30 seconds, close after 2 half-open successes.
func New(name string) *Breaker {
	return NewWithConfig(name, Config{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	})
}

// NewWithConfig creates a breaker with a custom policy.
func NewWithConfig(name string, cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the breaker is open the call is
// rejected with ErrOpen and fn is never invoked. A context that is already
// done fails the call (and counts as a failure) without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(func() (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// State returns "closed", "open", or "half-open".
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
