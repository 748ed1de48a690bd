package storage

import (
	"context"
	"errors"
	"time"

	"tempus/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrConflict    = errors.New("record already exists")
	ErrUnavailable = errors.New("backend unavailable")
)

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	OwnerID *uuid.UUID
	Status  *models.JobStatus
	Limit   int
	Offset  int
}

// JobStore defines the data access layer for job state. The job row is the
// single source of truth for lifecycle status.
type JobStore interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// ListJobs returns a page of jobs plus the unpaged total.
	ListJobs(ctx context.Context, filter JobFilter) ([]models.Job, int64, error)

	// UpdateJob applies column updates unconditionally.
	UpdateJob(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error

	// UpdateJobIf applies column updates only while the job's status is one
	// of allowed. Returns false when the guard did not match.
	UpdateJobIf(ctx context.Context, id uuid.UUID, fields map[string]interface{}, allowed ...models.JobStatus) (bool, error)

	// DeleteJob removes the job and cascades executions and logs.
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// AttemptOutcome carries everything the finalize step writes for one
// terminal attempt: the execution's terminal fields plus the job-row
// counter and status effects.
type AttemptOutcome struct {
	ExecutionID uuid.UUID
	JobID       uuid.UUID

	Status      models.ExecutionStatus
	CompletedAt time.Time
	DurationMs  int64
	Result      models.JSONMap
	Error       models.JSONMap
	Output      models.JSONMap

	Succeeded      bool
	LastExecutedAt time.Time

	// Optional job transition, applied only while the job is still active.
	JobStatus *models.JobStatus
	// When true, next_execution_at is written (nil clears it). Guarded the
	// same way as JobStatus.
	SetNextExecution bool
	NextExecutionAt  *time.Time
}

// ExecutionStore defines the data access layer for attempt history.
type ExecutionStore interface {
	// CreateExecution records a new attempt. A duplicate envelope or
	// predecessor surfaces ErrConflict.
	CreateExecution(ctx context.Context, exec *models.Execution) error

	// GetExecution retrieves an execution by ID.
	GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error)

	// GetExecutionByEnvelope resolves the attempt opened for a delivered
	// envelope, if any.
	GetExecutionByEnvelope(ctx context.Context, envelopeID uuid.UUID) (*models.Execution, error)

	// ListExecutions returns a job's attempts, newest first.
	ListExecutions(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.Execution, error)

	// ListExecutionChain walks the retry chain containing the given
	// execution, oldest first, bounded by maxDepth per direction.
	ListExecutionChain(ctx context.Context, id uuid.UUID, maxDepth int) ([]models.Execution, error)

	// CountRunning reports in-flight attempts for a job.
	CountRunning(ctx context.Context, jobID uuid.UUID) (int64, error)

	// ListStuckRunning returns running executions last updated before the
	// cutoff, for orphan recovery.
	ListStuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Execution, error)

	// FinalizeExecution applies an attempt outcome atomically with the job
	// row's counters and status. Returns false without side effects when
	// the execution was already terminal.
	FinalizeExecution(ctx context.Context, out AttemptOutcome) (bool, error)
}

// LogStore defines the append-only job audit trail.
type LogStore interface {
	AppendLog(ctx context.Context, entry *models.JobLog) error
	ListLogs(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.JobLog, error)

	// DeleteLogsBefore drops audit lines older than the cutoff. Used by the
	// retention sweep.
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserStore resolves job owners and their notification preferences.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Store aggregates the persistent interfaces backed by one database.
type Store interface {
	JobStore
	ExecutionStore
	LogStore
	UserStore
}
