// Package resilience holds small fault-tolerance primitives shared by
// outbound integrations.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tempus/pkg/clock"
)

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit open")

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive
	// failures in the closed state.
	FailureThreshold int
	// SuccessThreshold closes the breaker after this many consecutive
	// probe successes.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes bounds in-flight probes while half-open.
	MaxProbes int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        3,
	}
}

// Breaker is a three-state circuit breaker. Consecutive failures open it;
// after the cooldown a bounded number of probe calls decide whether it
// closes again. A single probe failure re-opens it.
type Breaker struct {
	name string
	cfg  BreakerConfig
	clk  clock.Clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func NewBreaker(name string, cfg BreakerConfig, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = DefaultBreakerConfig().MaxProbes
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Breaker{name: name, cfg: cfg, clk: clk, state: Closed}
}

// Do runs fn under the breaker. When the breaker is open, fn is not invoked
// and ErrOpen is returned.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State reports the breaker's effective state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effective()
}

// effective folds the cooldown expiry into the reported state. Callers must
// hold the lock.
func (b *Breaker) effective() State {
	if b.state == Open && b.clk.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.effective() {
	case Closed:
		return nil
	case Open:
		return ErrOpen
	default: // HalfOpen
		if b.state == Open {
			b.state = HalfOpen
			b.probes = 0
			b.successes = 0
		}
		if b.probes >= b.cfg.MaxProbes {
			return ErrOpen
		}
		b.probes++
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.openedAt = b.clk.Now()
		switch b.state {
		case Closed:
			if b.failures >= b.cfg.FailureThreshold {
				b.state = Open
			}
		case HalfOpen:
			b.state = Open
		}
		return
	}

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.probes > 0 {
			b.probes--
		}
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.probes = 0
		}
	}
}
