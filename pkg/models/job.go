package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobType selects the executor adapter for a job. Immutable after creation.
type JobType string

const (
	JobTypeHTTP    JobType = "http"
	JobTypeWebhook JobType = "webhook"
	JobTypeScript  JobType = "script"
	JobTypeEmail   JobType = "email"
	JobTypeCustom  JobType = "custom"
)

// ScheduleType determines how a job's execution instants are planned.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further scheduling can happen from this state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// BackoffKind is the retry delay growth strategy.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Job is a persisted definition of work plus the schedule that fires it.
// Using GORM keys (primaryKey, type:uuid)
type Job struct {
	ID          uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID     uuid.UUID   `json:"owner_id" gorm:"type:uuid;not null;index"`
	Name        string      `json:"name" gorm:"size:255;not null"`
	Description string      `json:"description"`
	Tags        StringSlice `json:"tags" gorm:"type:jsonb"`
	Metadata    JSONMap     `json:"metadata" gorm:"type:jsonb"`

	Type    JobType `json:"type" gorm:"type:varchar(20);not null"`
	Payload JSONMap `json:"payload" gorm:"type:jsonb"` // opaque to the core, validated by the adapter

	ScheduleType   ScheduleType `json:"schedule_type" gorm:"type:varchar(20);not null"`
	ScheduledAt    *time.Time   `json:"scheduled_at"`
	CronExpression string       `json:"cron_expression"`
	Timezone       string       `json:"timezone" gorm:"size:64;default:'UTC'"`

	Status   JobStatus `json:"status" gorm:"type:varchar(20);default:'active';index"`
	Priority int       `json:"priority" gorm:"default:0"`

	MaxRetries   int         `json:"max_retries" gorm:"default:3"`
	RetryDelayMs int         `json:"retry_delay_ms" gorm:"default:5000"`
	RetryBackoff BackoffKind `json:"retry_backoff" gorm:"type:varchar(20);default:'exponential'"`
	TimeoutMs    int         `json:"timeout_ms" gorm:"default:300000"`

	LastExecutedAt  *time.Time `json:"last_executed_at"`
	NextExecutionAt *time.Time `json:"next_execution_at" gorm:"index"` // Index for fast due-job polling

	TotalExecutions      int `json:"total_executions" gorm:"default:0"`
	SuccessfulExecutions int `json:"successful_executions" gorm:"default:0"`
	FailedExecutions     int `json:"failed_executions" gorm:"default:0"`

	// Termination conditions for recurring jobs.
	EndAt         *time.Time `json:"end_at"`
	MaxExecutions *int       `json:"max_executions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Owner *User `json:"-" gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook to generate UUID if not present
func (j *Job) BeforeCreate(tx *gorm.DB) (err error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return
}

// Timeout returns the per-attempt deadline as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMs) * time.Millisecond
}

// RetryDelay computes the pause before the given retry attempt. The attempt
// that just failed is 1-based; exponential doubles per prior attempt.
func (j *Job) RetryDelay(attempt int) time.Duration {
	base := time.Duration(j.RetryDelayMs) * time.Millisecond
	if j.RetryBackoff == BackoffExponential && attempt > 1 {
		return base * time.Duration(1<<uint(attempt-1))
	}
	return base
}

// Location resolves the job's IANA zone, falling back to UTC.
func (j *Job) Location() *time.Location {
	if j.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
