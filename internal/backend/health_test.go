package backend

import (
	"context"
	"errors"
	"testing"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	r := NewBreakerRegistry(nil)
	fail := func() error { return errors.New("backend exploded") }

	for i := 0; i < 5; i++ {
		if !r.Healthy("claude") {
			t.Fatalf("breaker opened early after %d failures", i)
		}
		r.Execute("claude", fail)
	}

	if r.Healthy("claude") {
		t.Error("breaker should be open after 5 consecutive failures")
	}
	err := r.Execute("claude", func() error { return nil })
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable through open breaker, got %v", err)
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	r := NewBreakerRegistry(nil)
	for i := 0; i < 10; i++ {
		r.Execute("codex", func() error { return context.Canceled })
	}
	if !r.Healthy("codex") {
		t.Error("cancelled sessions must not trip the breaker")
	}
}

func TestBreakersArePerBackend(t *testing.T) {
	r := NewBreakerRegistry(nil)
	for i := 0; i < 5; i++ {
		r.Execute("claude", func() error { return errors.New("down") })
	}
	if r.Healthy("claude") {
		t.Error("claude breaker should be open")
	}
	if !r.Healthy("codex") {
		t.Error("codex breaker must be unaffected")
	}
}
