package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/clock"
	"tempus/pkg/models"
	"tempus/pkg/storage"
	"tempus/pkg/storage/memory"
)

var queueEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func envelope(kind models.AttemptKind, priority int) storage.Envelope {
	return storage.Envelope{
		ID:           uuid.New(),
		JobID:        uuid.New(),
		Kind:         kind,
		Priority:     priority,
		ScheduledFor: queueEpoch,
		EnqueuedAt:   queueEpoch,
	}
}

func TestQueue_PopFollowsBandOrder(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	low := envelope(models.AttemptOneShot, 0)
	high := envelope(models.AttemptFire, 8)
	manual := envelope(models.AttemptManual, 0)

	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, high))
	require.NoError(t, q.Enqueue(ctx, manual))

	got := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		d, err := q.Pop(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, d)
		got = append(got, d.ID)
		require.NoError(t, q.Ack(ctx, d))
	}

	assert.Equal(t, []uuid.UUID{manual.ID, high.ID, low.ID}, got)
}

func TestQueue_FIFOWithinBand(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	first := envelope(models.AttemptFire, 5)
	second := envelope(models.AttemptFire, 5)
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	d1, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, d1.ID)

	d2, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, d2.ID)
}

func TestQueue_DelayedInvisibleUntilPromoted(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	env := envelope(models.AttemptRetry, 5)
	visibleAt := queueEpoch.Add(5 * time.Second)
	require.NoError(t, q.EnqueueDelayed(ctx, env, visibleAt))

	d, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d, "delayed envelope must stay invisible")

	n, err := q.PromoteDelayed(ctx, queueEpoch.Add(4*time.Second), 100)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due yet")

	n, err = q.PromoteDelayed(ctx, visibleAt, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err = q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, env.ID, d.ID)
}

func TestQueue_StallRedelivery(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	env := envelope(models.AttemptOneShot, 5)
	require.NoError(t, q.Enqueue(ctx, env))

	d1, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d1)

	// Not yet stalled.
	clk.Advance(29 * time.Second)
	d, err := q.Pop(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, d)

	// Past the stall interval the delivery is claimable by another consumer.
	clk.Advance(2 * time.Second)
	d2, err := q.Pop(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, env.ID, d2.ID)
	assert.Equal(t, d1.MsgID, d2.MsgID)
	assert.Equal(t, "w2", d2.Consumer)

	require.NoError(t, q.Ack(ctx, d2))
	clk.Advance(time.Minute)
	d, err = q.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d, "acked delivery must not come back")
}

func TestQueue_ExtendDefersRedelivery(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	env := envelope(models.AttemptOneShot, 5)
	require.NoError(t, q.Enqueue(ctx, env))

	d1, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d1)

	clk.Advance(29 * time.Second)
	require.NoError(t, q.Extend(ctx, d1))

	clk.Advance(29 * time.Second)
	d, err := q.Pop(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, d, "extended delivery must not be reclaimed yet")

	clk.Advance(2 * time.Second)
	d2, err := q.Pop(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, env.ID, d2.ID)
}

func TestQueue_RemovePendingPurgesOneJob(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	target := envelope(models.AttemptOneShot, 5)
	other := envelope(models.AttemptOneShot, 5)
	delayedTarget := storage.Envelope{
		ID: uuid.New(), JobID: target.JobID, Kind: models.AttemptRetry,
		Priority: 5, ScheduledFor: queueEpoch.Add(time.Minute), EnqueuedAt: queueEpoch,
	}
	require.NoError(t, q.Enqueue(ctx, target))
	require.NoError(t, q.Enqueue(ctx, other))
	require.NoError(t, q.EnqueueDelayed(ctx, delayedTarget, delayedTarget.ScheduledFor))

	require.NoError(t, q.RemovePending(ctx, target.JobID))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths.Delayed)

	d, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, other.ID, d.ID, "only the targeted job's envelopes are purged")

	d, err = q.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestQueue_FireRepeatableAdvancesRegistration(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	jobID := uuid.New()
	reg := storage.Repeatable{
		JobID:      jobID,
		Expression: "*/5 * * * *",
		Timezone:   "UTC",
		Priority:   5,
		NextFire:   queueEpoch.Add(5 * time.Minute),
	}
	require.NoError(t, q.RegisterRepeatable(ctx, reg))

	due, err := q.DueRepeatables(ctx, queueEpoch, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.DueRepeatables(ctx, reg.NextFire, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	env := storage.Envelope{
		ID: uuid.New(), JobID: jobID, Kind: models.AttemptFire,
		Priority: reg.Priority, ScheduledFor: reg.NextFire, EnqueuedAt: reg.NextFire,
	}
	nextFire := reg.NextFire.Add(5 * time.Minute)
	require.NoError(t, q.FireRepeatable(ctx, due[0], env, nextFire))

	// The fire is visible and the registration moved forward.
	d, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, env.ID, d.ID)

	due, err = q.DueRepeatables(ctx, reg.NextFire, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = q.DueRepeatables(ctx, nextFire, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, nextFire, due[0].NextFire)

	require.NoError(t, q.RemoveRepeatable(ctx, jobID))
	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths.Repeatables)
}

func TestQueue_Depths(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(queueEpoch)
	q := memory.NewQueue(clk, 30*time.Second)

	require.NoError(t, q.Enqueue(ctx, envelope(models.AttemptManual, 0)))
	require.NoError(t, q.Enqueue(ctx, envelope(models.AttemptOneShot, 8)))
	require.NoError(t, q.Enqueue(ctx, envelope(models.AttemptOneShot, 5)))
	require.NoError(t, q.Enqueue(ctx, envelope(models.AttemptOneShot, 0)))
	require.NoError(t, q.EnqueueDelayed(ctx, envelope(models.AttemptRetry, 5), queueEpoch.Add(time.Hour)))
	require.NoError(t, q.RegisterRepeatable(ctx, storage.Repeatable{
		JobID: uuid.New(), Expression: "* * * * *", NextFire: queueEpoch.Add(time.Minute),
	}))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Bands["critical"])
	assert.Equal(t, int64(1), depths.Bands["high"])
	assert.Equal(t, int64(1), depths.Bands["default"])
	assert.Equal(t, int64(1), depths.Bands["low"])
	assert.Equal(t, int64(1), depths.Delayed)
	assert.Equal(t, int64(1), depths.Repeatables)
}
