package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "tempus/pkg/resilience"

	"tempus/pkg/clock"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func failing(ctx context.Context) error { return errors.New("test error") }

func succeeding(ctx context.Context) error { return nil }

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker("test", DefaultBreakerConfig(), clock.NewFake(testStart))

	if b.State() != Closed {
		t.Errorf("expected initial state to be Closed, got %v", b.State())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         100 * time.Millisecond,
		MaxProbes:        1,
	}
	b := NewBreaker("test", cfg, clock.NewFake(testStart))

	for i := 0; i < 3; i++ {
		_ = b.Do(context.Background(), failing)
	}

	if b.State() != Open {
		t.Errorf("expected state to be Open after %d failures, got %v", cfg.FailureThreshold, b.State())
	}
}

func TestBreaker_RejectsWhenOpen(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         time.Second,
		MaxProbes:        1,
	}
	b := NewBreaker("test", cfg, clock.NewFake(testStart))

	_ = b.Do(context.Background(), failing)

	called := false
	err := b.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not invoke the function")
	}
}

func TestBreaker_TransitionsToHalfOpen(t *testing.T) {
	clk := clock.NewFake(testStart)
	cfg := BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         50 * time.Millisecond,
		MaxProbes:        1,
	}
	b := NewBreaker("test", cfg, clk)

	_ = b.Do(context.Background(), failing)

	clk.Advance(60 * time.Millisecond)

	if b.State() != HalfOpen {
		t.Errorf("expected state to be HalfOpen after cooldown, got %v", b.State())
	}
}

func TestBreaker_ClosesAfterSuccessInHalfOpen(t *testing.T) {
	clk := clock.NewFake(testStart)
	cfg := BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         50 * time.Millisecond,
		MaxProbes:        2,
	}
	b := NewBreaker("test", cfg, clk)

	_ = b.Do(context.Background(), failing)

	clk.Advance(60 * time.Millisecond)

	_ = b.Do(context.Background(), succeeding)

	if b.State() != Closed {
		t.Errorf("expected state to be Closed after success in HalfOpen, got %v", b.State())
	}
}

func TestBreaker_ReopensOnProbeFailure(t *testing.T) {
	clk := clock.NewFake(testStart)
	cfg := BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		MaxProbes:        2,
	}
	b := NewBreaker("test", cfg, clk)

	_ = b.Do(context.Background(), failing)
	clk.Advance(60 * time.Millisecond)

	_ = b.Do(context.Background(), failing)

	if b.State() != Open {
		t.Errorf("expected probe failure to reopen the breaker, got %v", b.State())
	}
	if err := b.Do(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen right after reopening, got %v", err)
	}
}

func TestBreaker_BoundsHalfOpenProbes(t *testing.T) {
	clk := clock.NewFake(testStart)
	cfg := BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 5,
		Cooldown:         50 * time.Millisecond,
		MaxProbes:        2,
	}
	b := NewBreaker("test", cfg, clk)

	_ = b.Do(context.Background(), failing)
	clk.Advance(60 * time.Millisecond)

	block := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = b.Do(context.Background(), func(ctx context.Context) error {
				started <- struct{}{}
				<-block
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both probe slots are taken; a third call must be refused.
	if err := b.Do(context.Background(), succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen once probe budget is spent, got %v", err)
	}
	close(block)
}
