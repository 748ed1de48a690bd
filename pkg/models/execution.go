package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AttemptKind records how an attempt came to be enqueued.
type AttemptKind string

const (
	// AttemptFire is a materialized firing of a recurring schedule.
	AttemptFire AttemptKind = "fire"
	// AttemptOneShot is an immediate or scheduled run.
	AttemptOneShot AttemptKind = "oneshot"
	// AttemptManual is a user-triggered run.
	AttemptManual AttemptKind = "manual"
	// AttemptRetry re-runs a failed predecessor.
	AttemptRetry AttemptKind = "retry"
)

// ExecutionStatus represents the state of a single attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the attempt record is immutable from here on.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// Execution is a single attempt record. Attempts are 1-based; retries link
// back to their predecessor via PreviousExecutionID, forming a chain whose
// head has IsRetry=false.
type Execution struct {
	ID    uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID uuid.UUID `json:"job_id" gorm:"type:uuid;not null;index:idx_job_executions_job_status;index:idx_job_executions_instant,unique"`

	// EnvelopeID dedupes re-delivered queue envelopes: at most one
	// execution row per delivered envelope.
	EnvelopeID uuid.UUID `json:"envelope_id" gorm:"type:uuid;not null;uniqueIndex"`

	Status  ExecutionStatus `json:"status" gorm:"type:varchar(20);default:'pending';index:idx_job_executions_job_status"`
	Kind    AttemptKind     `json:"kind" gorm:"type:varchar(10);not null;index:idx_job_executions_instant,unique"`
	Attempt int             `json:"attempt" gorm:"default:1"`

	// Unique with (job_id, kind): one attempt per planned instant per kind,
	// fleet-wide. A duplicate fire materialized twice hits this index.
	ScheduledFor time.Time  `json:"scheduled_for" gorm:"not null;index:idx_job_executions_instant,unique"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	DurationMs   *int64     `json:"duration_ms"`

	Result JSONMap `json:"result" gorm:"type:jsonb"`
	Error  JSONMap `json:"error" gorm:"type:jsonb"`
	Input  JSONMap `json:"input" gorm:"type:jsonb"`
	Output JSONMap `json:"output" gorm:"type:jsonb"`

	IsRetry bool `json:"is_retry" gorm:"default:false"`
	// Unique: an attempt spawns at most one successor, so chains stay paths.
	PreviousExecutionID *uuid.UUID `json:"previous_execution_id" gorm:"type:uuid;uniqueIndex"`

	WorkerID string `json:"worker_id" gorm:"size:128"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	Job *Job `json:"-" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
}

func (Execution) TableName() string { return "job_executions" }

func (e *Execution) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}

// LogLevel grades a job log line.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// JobLog is an append-only audit line. Never mutated after write; swept by
// the retention loop after the configured window.
type JobLog struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID  `json:"job_id" gorm:"type:uuid;not null;index:idx_job_logs_job_time"`
	ExecutionID *uuid.UUID `json:"execution_id" gorm:"type:uuid"`
	Level       LogLevel   `json:"level" gorm:"type:varchar(10);not null"`
	Message     string     `json:"message" gorm:"not null"`
	Data        JSONMap    `json:"data" gorm:"type:jsonb"`
	Timestamp   time.Time  `json:"timestamp" gorm:"not null;index:idx_job_logs_job_time"`

	Job       *Job       `json:"-" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
	Execution *Execution `json:"-" gorm:"foreignKey:ExecutionID;constraint:OnDelete:SET NULL"`
}

func (l *JobLog) BeforeCreate(tx *gorm.DB) (err error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return
}
