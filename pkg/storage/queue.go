package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tempus/pkg/models"
)

// Envelope references one attempt of a job. The envelope ID dedupes
// re-deliveries; AttemptsMade lets workers compute the attempt index.
type Envelope struct {
	ID                  uuid.UUID          `json:"id"`
	JobID               uuid.UUID          `json:"job_id"`
	Kind                models.AttemptKind `json:"kind"`
	AttemptsMade        int                `json:"attempts_made"`
	PreviousExecutionID *uuid.UUID         `json:"previous_execution_id,omitempty"`
	Priority            int                `json:"priority"`
	ScheduledFor        time.Time          `json:"scheduled_for"`
	EnqueuedAt          time.Time          `json:"enqueued_at"`
}

// Delivery is a popped envelope plus the receipt needed to ack or extend it.
type Delivery struct {
	Envelope
	Band     string
	MsgID    string
	Consumer string
}

// Repeatable is a planner-owned registration that materializes one envelope
// per calendar firing until removed.
type Repeatable struct {
	JobID      uuid.UUID `json:"job_id"`
	Expression string    `json:"expression"`
	Timezone   string    `json:"timezone"`
	Priority   int       `json:"priority"`
	NextFire   time.Time `json:"next_fire"`
}

// QueueDepths is a point-in-time census of queued work.
type QueueDepths struct {
	Bands       map[string]int64 `json:"bands"`
	Delayed     int64            `json:"delayed"`
	Repeatables int64            `json:"repeatables"`
}

// ReadyQueue is the durable dispatch queue consumed by workers. Envelopes
// preserve priority-band order among visible items and FIFO within a band;
// an unacked delivery becomes claimable again after the stall interval.
type ReadyQueue interface {
	// Enqueue makes an envelope immediately visible in its priority band.
	Enqueue(ctx context.Context, env Envelope) error

	// EnqueueDelayed hides an envelope until the absolute visibility time.
	EnqueueDelayed(ctx context.Context, env Envelope, visibleAt time.Time) error

	// RegisterRepeatable installs or replaces a job's recurring registration.
	RegisterRepeatable(ctx context.Context, reg Repeatable) error

	// RemoveRepeatable drops a job's recurring registration.
	RemoveRepeatable(ctx context.Context, jobID uuid.UUID) error

	// RemovePending purges the job's delayed and not-yet-delivered envelopes.
	RemovePending(ctx context.Context, jobID uuid.UUID) error

	// Pop returns the next visible envelope, stalled re-deliveries first,
	// or nil after the poll window passes with nothing available.
	Pop(ctx context.Context, consumer string) (*Delivery, error)

	// Ack removes a delivered envelope permanently.
	Ack(ctx context.Context, d *Delivery) error

	// Extend marks a delivery as still being worked so it is not reclaimed.
	Extend(ctx context.Context, d *Delivery) error

	// Depths reports queue gauges.
	Depths(ctx context.Context) (QueueDepths, error)
}

// SchedulerQueue extends ReadyQueue with the promotion surface owned by the
// single active planner. Workers never call these.
type SchedulerQueue interface {
	ReadyQueue

	// PromoteDelayed moves envelopes whose visibility time has passed into
	// their priority bands. Returns how many were promoted.
	PromoteDelayed(ctx context.Context, now time.Time, limit int) (int, error)

	// DueRepeatables lists registrations whose next fire is at or before now.
	DueRepeatables(ctx context.Context, now time.Time, limit int) ([]Repeatable, error)

	// FireRepeatable enqueues one materialized firing and advances the
	// registration to its next instant.
	FireRepeatable(ctx context.Context, reg Repeatable, env Envelope, nextFire time.Time) error
}
