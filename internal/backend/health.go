package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBackendUnavailable marks a backend whose circuit breaker is open.
// The scheduler treats this as fatal for the run: every session would
// fail the same way, so continuing only burns attempts.
var ErrBackendUnavailable = errors.New("backend unavailable")

// BreakerRegistry holds one circuit breaker per backend type. Repeated
// session crashes against the same backend (CLI missing, auth expired,
// API down) trip the breaker and halt the run instead of marching every
// task toward its attempt limit.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for a backend type, creating it on first use.
func (r *BreakerRegistry) Get(backendType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[backendType]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        backendType,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A cancelled session is the operator's doing, not the
			// backend's fault.
			if errors.Is(err, context.Canceled) {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("backend breaker state change",
				"backend", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[backendType] = cb
	return cb
}

// Execute runs fn through the backend's breaker. An open breaker is
// surfaced as ErrBackendUnavailable without invoking fn.
func (r *BreakerRegistry) Execute(backendType string, fn func() error) error {
	cb := r.Get(backendType)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s circuit breaker open", ErrBackendUnavailable, backendType)
	}
	return err
}

// Healthy reports whether the backend's breaker would admit a request.
func (r *BreakerRegistry) Healthy(backendType string) bool {
	return r.Get(backendType).State() != gobreaker.StateOpen
}
