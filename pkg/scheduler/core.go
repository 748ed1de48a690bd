package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempus/pkg/calendar"
	"tempus/pkg/clock"
	"tempus/pkg/logger"
	"tempus/pkg/metrics"
	"tempus/pkg/models"
	"tempus/pkg/storage"
)

const (
	minLogRetention = 14 * 24 * time.Hour
	reconcileBatch  = 100
)

// CoreConfig tunes the scheduler's background loops.
type CoreConfig struct {
	// PromoteInterval is the cadence of the promotion tick that moves due
	// delayed envelopes into their bands and materializes due recurring fires.
	PromoteInterval time.Duration
	// PromoteBatch caps how many envelopes and fires one tick handles.
	PromoteBatch int
	// ReconcileInterval is the cadence of orphan recovery.
	ReconcileInterval time.Duration
	// StuckAfter is how long a running execution may go without progress
	// before reconciliation finalizes it as lost.
	StuckAfter time.Duration
	// RetentionInterval is the cadence of the job log sweep.
	RetentionInterval time.Duration
	// LogRetention is how long job logs are kept. Floors at 14 days.
	LogRetention time.Duration
	// GaugeInterval is the cadence of queue depth observation.
	GaugeInterval time.Duration
}

// DefaultCoreConfig returns production defaults.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		PromoteInterval:   time.Second,
		PromoteBatch:      256,
		ReconcileInterval: 30 * time.Second,
		StuckAfter:        2 * time.Hour,
		RetentionInterval: time.Hour,
		LogRetention:      minLogRetention,
		GaugeInterval:     15 * time.Second,
	}
}

func (c CoreConfig) withDefaults() CoreConfig {
	def := DefaultCoreConfig()
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = def.PromoteInterval
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = def.PromoteBatch
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = def.ReconcileInterval
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = def.StuckAfter
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = def.RetentionInterval
	}
	if c.LogRetention < minLogRetention {
		c.LogRetention = minLogRetention
	}
	if c.GaugeInterval <= 0 {
		c.GaugeInterval = def.GaugeInterval
	}
	return c
}

// LostFinalizer closes out executions whose worker vanished without acking.
// The worker package implements it; the process entry point wires it in.
type LostFinalizer interface {
	FinalizeLost(ctx context.Context, exec *models.Execution) error
}

// Core runs the scheduler's background loops: promoting delayed envelopes,
// materializing recurring fires, reconciling orphaned executions, sweeping
// expired logs, and observing queue depths. Exactly one Core is active per
// cluster; the entry point guards this with a coordination lease.
type Core struct {
	planner  *Planner
	store    storage.Store
	queue    storage.SchedulerQueue
	cal      *calendar.Engine
	clk      clock.Clock
	cfg      CoreConfig
	finisher LostFinalizer
}

func NewCore(planner *Planner, store storage.Store, queue storage.SchedulerQueue, cal *calendar.Engine, clk clock.Clock, cfg CoreConfig) *Core {
	return &Core{
		planner: planner,
		store:   store,
		queue:   queue,
		cal:     cal,
		clk:     clk,
		cfg:     cfg.withDefaults(),
	}
}

// SetLostFinalizer installs the orphan recovery hook. Without one,
// reconciliation is skipped.
func (c *Core) SetLostFinalizer(f LostFinalizer) {
	c.finisher = f
}

// Run starts the background loops and blocks until the context is cancelled.
func (c *Core) Run(ctx context.Context) {
	promote := time.NewTicker(c.cfg.PromoteInterval)
	defer promote.Stop()
	reconcile := time.NewTicker(c.cfg.ReconcileInterval)
	defer reconcile.Stop()
	retention := time.NewTicker(c.cfg.RetentionInterval)
	defer retention.Stop()
	gauges := time.NewTicker(c.cfg.GaugeInterval)
	defer gauges.Stop()

	logger.Info("scheduler core started",
		zap.Duration("promote_interval", c.cfg.PromoteInterval),
		zap.Duration("reconcile_interval", c.cfg.ReconcileInterval),
		zap.Duration("log_retention", c.cfg.LogRetention))

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler core stopped")
			return
		case <-promote.C:
			c.tick(ctx)
		case <-reconcile.C:
			c.reconcile(ctx)
		case <-retention.C:
			c.sweepLogs(ctx)
		case <-gauges.C:
			c.observeDepths(ctx)
		}
	}
}

// tick promotes due delayed envelopes and materializes due recurring fires.
func (c *Core) tick(ctx context.Context) {
	now := c.clk.Now()

	promoted, err := c.queue.PromoteDelayed(ctx, now, c.cfg.PromoteBatch)
	if err != nil {
		logger.Error("promote delayed envelopes", zap.Error(err))
	} else if promoted > 0 {
		metrics.EnvelopesPromoted.Add(float64(promoted))
	}

	due, err := c.queue.DueRepeatables(ctx, now, c.cfg.PromoteBatch)
	if err != nil {
		logger.Error("list due repeatables", zap.Error(err))
		return
	}
	for _, reg := range due {
		if err := c.materialize(ctx, reg, now); err != nil {
			logger.Error("materialize recurring fire",
				zap.String("job_id", reg.JobID.String()), zap.Error(err))
		}
	}
}

// materialize turns one due repeatable registration into a fire envelope and
// advances the registration to its next instant. The job row gates firing:
// a registration whose job is no longer active is a leftover and is removed.
func (c *Core) materialize(ctx context.Context, reg storage.Repeatable, now time.Time) error {
	job, err := c.store.GetJob(ctx, reg.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.queue.RemoveRepeatable(ctx, reg.JobID)
	}
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusActive {
		return c.queue.RemoveRepeatable(ctx, reg.JobID)
	}
	if c.planner.endConditionMet(job, now) {
		return c.planner.completeRecurring(ctx, job)
	}

	nextFire, err := c.cal.Next(reg.Expression, reg.Timezone, now)
	if err != nil {
		// Expressions are validated at create time; only zone database drift
		// lands here. Park the job for operator attention instead of spinning.
		logger.Error("recurring schedule became invalid",
			zap.String("job_id", job.ID.String()),
			zap.String("expression", reg.Expression), zap.Error(err))
		if _, uerr := c.store.UpdateJobIf(ctx, job.ID,
			map[string]interface{}{"status": models.JobStatusPaused},
			models.JobStatusActive); uerr != nil {
			return uerr
		}
		return c.queue.RemoveRepeatable(ctx, reg.JobID)
	}

	env := storage.Envelope{
		ID:           uuid.New(),
		JobID:        job.ID,
		Kind:         models.AttemptFire,
		Priority:     reg.Priority,
		ScheduledFor: reg.NextFire,
		EnqueuedAt:   now,
	}
	if err := c.queue.FireRepeatable(ctx, reg, env, nextFire); err != nil {
		return err
	}
	metrics.FiresMaterialized.Inc()

	_, err = c.store.UpdateJobIf(ctx, job.ID,
		map[string]interface{}{"next_execution_at": nextFire},
		models.JobStatusActive)
	return err
}

// reconcile finalizes executions whose worker died between opening the
// attempt and acking the envelope. Queue redelivery covers most crashes;
// this backstop catches envelopes the queue itself lost.
func (c *Core) reconcile(ctx context.Context) {
	if c.finisher == nil {
		return
	}
	cutoff := c.clk.Now().Add(-c.cfg.StuckAfter)
	stuck, err := c.store.ListStuckRunning(ctx, cutoff, reconcileBatch)
	if err != nil {
		logger.Error("list stuck executions", zap.Error(err))
		return
	}
	for i := range stuck {
		if err := c.finisher.FinalizeLost(ctx, &stuck[i]); err != nil {
			logger.Error("finalize lost execution",
				zap.String("execution_id", stuck[i].ID.String()), zap.Error(err))
			continue
		}
		metrics.OrphansReaped.Inc()
		logger.Warn("orphaned execution finalized",
			zap.String("execution_id", stuck[i].ID.String()),
			zap.String("job_id", stuck[i].JobID.String()))
	}
}

func (c *Core) sweepLogs(ctx context.Context) {
	cutoff := c.clk.Now().Add(-c.cfg.LogRetention)
	removed, err := c.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		logger.Error("sweep job logs", zap.Error(err))
		return
	}
	if removed > 0 {
		metrics.LogsSwept.Add(float64(removed))
		logger.Debug("swept job logs", zap.Int64("removed", removed))
	}
}

func (c *Core) observeDepths(ctx context.Context) {
	depths, err := c.queue.Depths(ctx)
	if err != nil {
		logger.Warn("observe queue depths", zap.Error(err))
		return
	}
	for band, n := range depths.Bands {
		metrics.QueueDepth.WithLabelValues(band).Set(float64(n))
	}
	metrics.DelayedDepth.Set(float64(depths.Delayed))
	metrics.RepeatableDepth.Set(float64(depths.Repeatables))
}
