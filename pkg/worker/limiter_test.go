package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/clock"
)

func TestLimiter_EnforcesWindowCap(t *testing.T) {
	clk := clock.NewFake(workerEpoch)
	lim := newLimiter(10, time.Minute, clk)

	for i := 0; i < 10; i++ {
		require.True(t, lim.allow(), "dispatch %d should pass", i+1)
	}
	assert.False(t, lim.allow())
	assert.Greater(t, lim.wait(), time.Duration(0))

	// At 10 per minute one token frees up every six seconds.
	clk.Advance(6 * time.Second)
	assert.True(t, lim.allow())
	assert.False(t, lim.allow())
}

func TestLimiter_CapsBurstAtMax(t *testing.T) {
	clk := clock.NewFake(workerEpoch)
	lim := newLimiter(5, time.Minute, clk)

	for i := 0; i < 5; i++ {
		require.True(t, lim.allow())
	}

	// Idle time refills to the cap, never beyond it.
	clk.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		assert.True(t, lim.allow(), "refilled token %d", i+1)
	}
	assert.False(t, lim.allow())
}

func TestLimiter_WaitIsZeroWithTokens(t *testing.T) {
	clk := clock.NewFake(workerEpoch)
	lim := newLimiter(10, time.Minute, clk)
	assert.Zero(t, lim.wait())
}

func TestPoolConfig_Defaults(t *testing.T) {
	def := DefaultConfig()
	cfg := Config{}.withDefaults()
	assert.Equal(t, def.Concurrency, cfg.Concurrency)
	assert.Equal(t, def.LimiterMax, cfg.LimiterMax)
	assert.Equal(t, def.LimiterWindow, cfg.LimiterWindow)
	assert.Equal(t, def.Grace, cfg.Grace)
	assert.Equal(t, def.ExtendEvery, cfg.ExtendEvery)

	// Zero archives from the first byte; only a negative falls back.
	assert.Zero(t, cfg.ArchiveFrom)
	assert.Equal(t, def.ArchiveFrom, Config{ArchiveFrom: -1}.withDefaults().ArchiveFrom)

	custom := Config{Concurrency: 2, LimiterMax: 7}.withDefaults()
	assert.Equal(t, 2, custom.Concurrency)
	assert.Equal(t, 7, custom.LimiterMax)
}
