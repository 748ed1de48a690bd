package worker

import (
	"sync"
	"time"

	"tempus/pkg/clock"
)

// limiter is a token bucket enforcing the global dispatch cap. Refill is
// computed lazily on each take, so there is no background goroutine.
type limiter struct {
	mu     sync.Mutex
	clk    clock.Clock
	rate   float64 // tokens per second
	max    float64
	tokens float64
	last   time.Time
}

func newLimiter(maxDispatches int, window time.Duration, clk clock.Clock) *limiter {
	if maxDispatches <= 0 {
		maxDispatches = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &limiter{
		clk:    clk,
		rate:   float64(maxDispatches) / window.Seconds(),
		max:    float64(maxDispatches),
		tokens: float64(maxDispatches),
		last:   clk.Now(),
	}
}

// allow consumes one token when available.
func (l *limiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// wait reports how long until the next token frees up.
func (l *limiter) wait() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	if l.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
}

// refill credits tokens for elapsed time. Callers must hold the lock.
func (l *limiter) refill() {
	now := l.clk.Now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.rate
	if l.tokens > l.max {
		l.tokens = l.max
	}
	l.last = now
}
