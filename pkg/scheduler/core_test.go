package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/calendar"
	"tempus/pkg/clock"
	"tempus/pkg/models"
	"tempus/pkg/storage"
	"tempus/pkg/storage/memory"
)

var coreEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type lostRecorder struct {
	finalized []uuid.UUID
	err       error
}

func (r *lostRecorder) FinalizeLost(ctx context.Context, exec *models.Execution) error {
	if r.err != nil {
		return r.err
	}
	r.finalized = append(r.finalized, exec.ID)
	return nil
}

type coreFixture struct {
	core    *Core
	planner *Planner
	store   *memory.Store
	queue   *memory.Queue
	clk     *clock.Fake
}

func newCoreFixture(t *testing.T, cfg CoreConfig) *coreFixture {
	t.Helper()
	clk := clock.NewFake(coreEpoch)
	store := memory.NewStore()
	queue := memory.NewQueue(clk, 30*time.Second)
	planner := NewPlanner(store, queue, calendar.New(), clk, nil)
	core := NewCore(planner, store, queue, calendar.New(), clk, cfg)
	return &coreFixture{core: core, planner: planner, store: store, queue: queue, clk: clk}
}

func createRecurring(t *testing.T, fx *coreFixture, mutate ...func(*models.Job)) *models.Job {
	t.Helper()
	job := &models.Job{
		OwnerID:        uuid.New(),
		Name:           "metrics-rollup",
		Type:           models.JobTypeScript,
		Payload:        models.JSONMap{"command": "true"},
		ScheduleType:   models.ScheduleRecurring,
		CronExpression: "*/5 * * * *",
		Priority:       5,
		TimeoutMs:      30000,
	}
	for _, m := range mutate {
		m(job)
	}
	require.NoError(t, fx.planner.Create(context.Background(), job))
	return job
}

func TestCore_TickPromotesAndMaterializes(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, CoreConfig{})
	job := createRecurring(t, fx)

	delayed := storage.Envelope{
		ID: uuid.New(), JobID: uuid.New(), Kind: models.AttemptRetry,
		Priority: 5, ScheduledFor: coreEpoch.Add(3 * time.Minute), EnqueuedAt: coreEpoch,
	}
	require.NoError(t, fx.queue.EnqueueDelayed(ctx, delayed, coreEpoch.Add(3*time.Minute)))

	fx.clk.Set(coreEpoch.Add(5 * time.Minute))
	fx.core.tick(ctx)

	depths, err := fx.queue.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths.Delayed, "due delayed envelopes are promoted")

	var kinds []models.AttemptKind
	var fire *storage.Delivery
	for {
		d, err := fx.queue.Pop(ctx, "w1")
		require.NoError(t, err)
		if d == nil {
			break
		}
		kinds = append(kinds, d.Kind)
		if d.Kind == models.AttemptFire {
			fire = d
		}
		require.NoError(t, fx.queue.Ack(ctx, d))
	}
	assert.ElementsMatch(t, []models.AttemptKind{models.AttemptRetry, models.AttemptFire}, kinds)
	require.NotNil(t, fire)
	assert.Equal(t, job.ID, fire.JobID)
	assert.True(t, fire.ScheduledFor.Equal(coreEpoch.Add(5*time.Minute)),
		"the fire carries the planned instant, not the tick instant")

	// Registration and job row both point at the next boundary.
	due, err := fx.queue.DueRepeatables(ctx, coreEpoch.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].NextFire.Equal(coreEpoch.Add(10*time.Minute)))

	got, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextExecutionAt)
	assert.True(t, got.NextExecutionAt.Equal(coreEpoch.Add(10*time.Minute)))
}

func TestCore_MaterializeDropsLeftoverRegistrations(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, CoreConfig{})
	job := createRecurring(t, fx)

	// Flip the row behind the planner's back so the registration outlives it.
	require.NoError(t, fx.store.UpdateJob(ctx, job.ID, map[string]interface{}{
		"status": models.JobStatusPaused,
	}))

	fx.clk.Set(coreEpoch.Add(5 * time.Minute))
	fx.core.tick(ctx)

	due, err := fx.queue.DueRepeatables(ctx, coreEpoch.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "a registration without an active job is removed")

	d, err := fx.queue.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d, "no fire is materialized for an inactive job")
}

func TestCore_MaterializeDropsRegistrationOfMissingJob(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, CoreConfig{})
	job := createRecurring(t, fx)

	require.NoError(t, fx.store.DeleteJob(ctx, job.ID))

	fx.clk.Set(coreEpoch.Add(5 * time.Minute))
	fx.core.tick(ctx)

	due, err := fx.queue.DueRepeatables(ctx, coreEpoch.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCore_MaterializeCompletesJobAtEndCondition(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, CoreConfig{})
	max := 1
	job := createRecurring(t, fx, func(j *models.Job) { j.MaxExecutions = &max })

	exec := &models.Execution{
		JobID: job.ID, EnvelopeID: uuid.New(), Status: models.ExecutionRunning,
		Kind: models.AttemptFire, Attempt: 1, ScheduledFor: coreEpoch.Add(5 * time.Minute),
	}
	require.NoError(t, fx.store.CreateExecution(ctx, exec))
	applied, err := fx.store.FinalizeExecution(ctx, storage.AttemptOutcome{
		ExecutionID: exec.ID, JobID: job.ID,
		Status: models.ExecutionCompleted, CompletedAt: coreEpoch.Add(5 * time.Minute),
		DurationMs: 7, Succeeded: true, LastExecutedAt: coreEpoch.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.True(t, applied)

	fx.clk.Set(coreEpoch.Add(10 * time.Minute))
	fx.core.tick(ctx)

	got, err := fx.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Nil(t, got.NextExecutionAt)

	due, err := fx.queue.DueRepeatables(ctx, coreEpoch.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCore_ReconcileFinalizesStuckExecutions(t *testing.T) {
	ctx := context.Background()
	fx := newCoreFixture(t, CoreConfig{StuckAfter: 2 * time.Hour})

	job := createRecurring(t, fx)
	stale := coreEpoch.Add(-3 * time.Hour)
	fresh := coreEpoch.Add(-10 * time.Minute)

	stuck := &models.Execution{
		JobID: job.ID, EnvelopeID: uuid.New(), Status: models.ExecutionRunning,
		Kind: models.AttemptFire, Attempt: 1, ScheduledFor: stale, StartedAt: &stale,
	}
	require.NoError(t, fx.store.CreateExecution(ctx, stuck))
	healthy := &models.Execution{
		JobID: job.ID, EnvelopeID: uuid.New(), Status: models.ExecutionRunning,
		Kind: models.AttemptFire, Attempt: 1, ScheduledFor: fresh, StartedAt: &fresh,
	}
	require.NoError(t, fx.store.CreateExecution(ctx, healthy))

	// Without a finisher reconciliation is a no-op.
	fx.core.reconcile(ctx)

	rec := &lostRecorder{}
	fx.core.SetLostFinalizer(rec)
	fx.core.reconcile(ctx)

	require.Len(t, rec.finalized, 1)
	assert.Equal(t, stuck.ID, rec.finalized[0])
}

func TestCore_SweepLogsHonorsRetentionFloor(t *testing.T) {
	ctx := context.Background()
	// An hour of retention is below the floor; the sweep must keep 14 days.
	fx := newCoreFixture(t, CoreConfig{LogRetention: time.Hour})
	jobID := uuid.New()

	for _, age := range []time.Duration{15 * 24 * time.Hour, 2 * time.Hour} {
		require.NoError(t, fx.store.AppendLog(ctx, &models.JobLog{
			JobID: jobID, Level: models.LogLevelInfo, Message: "tick",
			Timestamp: coreEpoch.Add(-age),
		}))
	}

	fx.core.sweepLogs(ctx)

	logs, err := fx.store.ListLogs(ctx, jobID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Timestamp.Equal(coreEpoch.Add(-2*time.Hour)))
}

func TestCoreConfig_Defaults(t *testing.T) {
	cfg := CoreConfig{}.withDefaults()
	def := DefaultCoreConfig()
	assert.Equal(t, def, cfg)

	cfg = CoreConfig{LogRetention: time.Hour}.withDefaults()
	assert.Equal(t, minLogRetention, cfg.LogRetention)

	cfg = CoreConfig{LogRetention: 30 * 24 * time.Hour}.withDefaults()
	assert.Equal(t, 30*24*time.Hour, cfg.LogRetention)
}
