// Package worker consumes the ready queue and drives job attempts through
// their executor adapters. A pool is stateless between deliveries; every
// durable fact about an attempt lives in the store or the queue, so any
// worker can pick up where a dead one left off.
package worker

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"tempus/pkg/clock"
	"tempus/pkg/coordination"
	"tempus/pkg/executor"
	"tempus/pkg/logger"
	"tempus/pkg/metrics"
	"tempus/pkg/storage"
)

// Config tunes one worker process.
type Config struct {
	// Concurrency caps simultaneous attempts in this process.
	Concurrency int
	// LimiterMax dispatches per LimiterWindow, across all slots.
	LimiterMax    int
	LimiterWindow time.Duration
	// Grace bounds how long shutdown waits for in-flight attempts.
	Grace time.Duration
	// ExtendEvery is the delivery lease renewal interval.
	ExtendEvery time.Duration
	// ArchiveFrom offloads results at or above this many marshaled bytes.
	ArchiveFrom int

	HeartbeatEvery time.Duration
	HeartbeatTTL   int
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    5,
		LimiterMax:     100,
		LimiterWindow:  time.Minute,
		Grace:          30 * time.Second,
		ExtendEvery:    10 * time.Second,
		ArchiveFrom:    8192,
		HeartbeatEvery: 5 * time.Second,
		HeartbeatTTL:   10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.LimiterMax <= 0 {
		c.LimiterMax = d.LimiterMax
	}
	if c.LimiterWindow <= 0 {
		c.LimiterWindow = d.LimiterWindow
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.ExtendEvery <= 0 {
		c.ExtendEvery = d.ExtendEvery
	}
	if c.ArchiveFrom < 0 {
		c.ArchiveFrom = d.ArchiveFrom
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = d.HeartbeatTTL
	}
	return c
}

// Pool pops envelopes and runs them on a bounded set of goroutines.
type Pool struct {
	id       string
	hostname string

	store    storage.Store
	queue    storage.ReadyQueue
	registry *executor.Registry
	fin      *Finisher

	archive storage.Archive
	coord   coordination.Coordinator

	clk clock.Clock
	cfg Config
	lim *limiter
	wg  sync.WaitGroup
}

func NewPool(store storage.Store, queue storage.ReadyQueue, registry *executor.Registry, fin *Finisher, clk clock.Clock, cfg Config) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	cfg = cfg.withDefaults()
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return &Pool{
		id:       host + "-" + uuid.New().String()[:8],
		hostname: host,
		store:    store,
		queue:    queue,
		registry: registry,
		fin:      fin,
		clk:      clk,
		cfg:      cfg,
		lim:      newLimiter(cfg.LimiterMax, cfg.LimiterWindow, clk),
	}
}

// SetArchive enables result offloading for oversized outputs.
func (p *Pool) SetArchive(a storage.Archive) { p.archive = a }

// SetCoordinator enables heartbeat registration for cluster visibility.
func (p *Pool) SetCoordinator(c coordination.Coordinator) { p.coord = c }

// ID returns the pool's worker identity as recorded on executions.
func (p *Pool) ID() string { return p.id }

// Run consumes the queue until ctx is cancelled, then drains in-flight
// attempts within the configured grace. New pops stop immediately on
// cancellation; running attempts keep their own deadline.
func (p *Pool) Run(ctx context.Context) {
	logger.Info("worker pool starting",
		zap.String("worker_id", p.id),
		zap.Int("concurrency", p.cfg.Concurrency))

	if p.coord != nil {
		go p.heartbeat(ctx)
	}

	sem := make(chan struct{}, p.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case sem <- struct{}{}:
		}

		if !p.lim.allow() {
			<-sem
			metrics.DispatchThrottled.Inc()
			p.nap(ctx, p.lim.wait())
			continue
		}

		d, err := p.queue.Pop(ctx, p.id)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				p.drain()
				return
			}
			logger.Error("queue pop failed", zap.Error(err))
			p.nap(ctx, time.Second)
			continue
		}
		if d == nil {
			<-sem
			p.nap(ctx, 100*time.Millisecond)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer func() {
				p.wg.Done()
				<-sem
			}()
			p.handle(ctx, d)
		}()
	}
}

func (p *Pool) drain() {
	logger.Info("worker pool draining", zap.String("worker_id", p.id))
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("worker pool drained", zap.String("worker_id", p.id))
	case <-time.After(p.cfg.Grace):
		logger.Warn("drain grace elapsed, abandoning in-flight attempts",
			zap.Duration("grace", p.cfg.Grace))
	}
	if p.coord != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := p.coord.UnregisterWorker(ctx, p.id); err != nil {
			logger.Warn("unregister worker", zap.Error(err))
		}
	}
}

// heartbeat re-registers the worker under its coordination lease so the
// cluster view stays current. A missed beat expires the lease after the TTL.
func (p *Pool) heartbeat(ctx context.Context) {
	info := coordination.WorkerInfo{
		ID:          p.id,
		Hostname:    p.hostname,
		Concurrency: p.cfg.Concurrency,
		CPUs:        runtime.NumCPU(),
		MemoryMB:    totalMemoryMB(),
		StartedAt:   p.clk.Now().UTC(),
	}
	beat := func() {
		hbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := p.coord.RegisterWorker(hbCtx, info, p.cfg.HeartbeatTTL); err != nil {
			logger.Warn("worker heartbeat failed", zap.Error(err))
			return
		}
		metrics.HeartbeatsSent.Inc()
	}

	beat()
	ticker := time.NewTicker(p.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (p *Pool) nap(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func totalMemoryMB() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Total / 1024 / 1024
}
