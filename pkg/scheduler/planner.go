package scheduler

import (
	"context"
	"errors"
	"fmt"
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
	minTimeoutMs = 1_000
	maxTimeoutMs = 3_600_000

	maxRetryCeiling = 10
	maxPriority     = 10
)

// PayloadValidator checks a payload against its job type before the job is
// accepted. The executor registry implements this.
type PayloadValidator interface {
	ValidatePayload(jobType models.JobType, payload models.JSONMap) error
}

// Planner owns every job lifecycle transition: it writes job rows and queue
// registrations. It never touches execution counters; those belong to the
// worker's finalize step.
type Planner struct {
	store     storage.Store
	queue     storage.ReadyQueue
	cal       *calendar.Engine
	clk       clock.Clock
	validator PayloadValidator
}

func NewPlanner(store storage.Store, queue storage.ReadyQueue, cal *calendar.Engine, clk clock.Clock, validator PayloadValidator) *Planner {
	return &Planner{store: store, queue: queue, cal: cal, clk: clk, validator: validator}
}

// Create validates and persists a job, then installs its first activation
// with the queue. The job row is rolled back if the queue rejects the
// registration, so a created job is always dispatchable.
func (p *Planner) Create(ctx context.Context, job *models.Job) error {
	now := p.clk.Now()
	if err := p.normalize(job); err != nil {
		return err
	}
	next, err := p.initialNext(job, now)
	if err != nil {
		return err
	}
	job.Status = models.JobStatusActive
	job.NextExecutionAt = next

	if err := p.store.CreateJob(ctx, job); err != nil {
		return err
	}
	if err := p.register(ctx, job, now); err != nil {
		if derr := p.store.DeleteJob(ctx, job.ID); derr != nil {
			logger.Error("rollback after queue registration failure",
				zap.String("job_id", job.ID.String()), zap.Error(derr))
		}
		return err
	}

	metrics.JobsCreated.WithLabelValues(string(job.ScheduleType)).Inc()
	p.audit(ctx, job.ID, nil, models.LogLevelInfo, "job created", models.JSONMap{
		"schedule_type": string(job.ScheduleType),
		"type":          string(job.Type),
	})
	logger.Info("job created",
		zap.String("job_id", job.ID.String()),
		zap.String("name", job.Name),
		zap.String("schedule_type", string(job.ScheduleType)))
	return nil
}

// Trigger enqueues a manual run at the highest priority tier. Allowed only on
// active jobs; does not advance next_execution_at. The run counts toward
// max_executions like any other attempt.
func (p *Planner) Trigger(ctx context.Context, id uuid.UUID) (*storage.Envelope, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusActive {
		return nil, fmt.Errorf("%w: cannot trigger %s job", ErrIllegalTransition, job.Status)
	}
	env := p.newEnvelope(job, models.AttemptManual, p.clk.Now())
	if err := p.queue.Enqueue(ctx, env); err != nil {
		return nil, err
	}
	p.audit(ctx, job.ID, nil, models.LogLevelInfo, "manually triggered", models.JSONMap{
		"envelope_id": env.ID.String(),
	})
	return &env, nil
}

// Pause halts future scheduling: flips the row first, then sweeps the queue.
// Anything dispatched in the gap dies on the worker's status gate. In-flight
// attempts drain naturally. Pausing a paused job re-runs the sweep and
// succeeds.
func (p *Planner) Pause(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusPaused {
		return job, p.cleanQueue(ctx, id)
	}
	if job.Status != models.JobStatusActive {
		return nil, fmt.Errorf("%w: cannot pause %s job", ErrIllegalTransition, job.Status)
	}
	ok, err := p.store.UpdateJobIf(ctx, id,
		map[string]interface{}{"status": models.JobStatusPaused},
		models.JobStatusActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job left active while pausing", ErrIllegalTransition)
	}
	job.Status = models.JobStatusPaused
	if err := p.cleanQueue(ctx, id); err != nil {
		return nil, err
	}
	p.audit(ctx, id, nil, models.LogLevelInfo, "job paused", nil)
	return job, nil
}

// Resume re-registers the job with the queue using the same rules as Create,
// recomputing next_execution_at from the current instant for recurring jobs.
// A scheduled job whose instant has passed must be rescheduled first. The
// registration lands before the row flips back to active; dispatch gates on
// job status, so the registration is inert if the flip fails.
func (p *Planner) Resume(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusActive {
		return job, nil
	}
	if job.Status != models.JobStatusPaused {
		return nil, fmt.Errorf("%w: cannot resume %s job", ErrIllegalTransition, job.Status)
	}
	now := p.clk.Now()

	var next *time.Time
	switch job.ScheduleType {
	case models.ScheduleImmediate:
		t := now
		next = &t
	case models.ScheduleScheduled:
		if job.ScheduledAt == nil || !job.ScheduledAt.After(now) {
			return nil, fmt.Errorf("%w: scheduled_at has passed, reschedule before resuming", ErrInvalidSchedule)
		}
		next = job.ScheduledAt
	case models.ScheduleRecurring:
		if job.EndAt != nil && !job.EndAt.After(now) {
			return nil, fmt.Errorf("%w: end_at has passed", ErrInvalidSchedule)
		}
		n, err := p.cal.Next(job.CronExpression, job.Timezone, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		next = &n
	}
	job.NextExecutionAt = next

	if err := p.register(ctx, job, now); err != nil {
		return nil, err
	}
	ok, err := p.store.UpdateJobIf(ctx, id, map[string]interface{}{
		"status":            models.JobStatusActive,
		"next_execution_at": next,
	}, models.JobStatusPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job left paused while resuming", ErrIllegalTransition)
	}
	job.Status = models.JobStatusActive
	p.audit(ctx, id, nil, models.LogLevelInfo, "job resumed", nil)
	return job, nil
}

// RescheduleParams carries the new schedule: exactly one of ScheduledAt or
// CronExpression. Timezone rides along with CronExpression.
type RescheduleParams struct {
	ScheduledAt    *time.Time
	CronExpression string
	Timezone       string
}

// Reschedule replaces the job's schedule, switching the schedule type to
// match the given parameters. Active jobs get their queue registration
// replaced immediately; paused jobs keep the new schedule dormant until
// resume.
func (p *Planner) Reschedule(ctx context.Context, id uuid.UUID, params RescheduleParams) (*models.Job, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot reschedule %s job", ErrIllegalTransition, job.Status)
	}
	now := p.clk.Now()

	var fields map[string]interface{}
	switch {
	case params.ScheduledAt != nil && params.CronExpression != "":
		return nil, fmt.Errorf("%w: scheduled_at and cron_expression are mutually exclusive", ErrValidation)

	case params.ScheduledAt != nil:
		if !params.ScheduledAt.After(now) {
			return nil, fmt.Errorf("%w: scheduled_at %s is not in the future",
				ErrInvalidSchedule, params.ScheduledAt.Format(time.RFC3339))
		}
		job.ScheduleType = models.ScheduleScheduled
		job.ScheduledAt = params.ScheduledAt
		job.CronExpression = ""
		job.NextExecutionAt = params.ScheduledAt
		fields = map[string]interface{}{
			"schedule_type":     models.ScheduleScheduled,
			"scheduled_at":      *params.ScheduledAt,
			"cron_expression":   "",
			"next_execution_at": *params.ScheduledAt,
		}

	case params.CronExpression != "":
		tz := params.Timezone
		if tz == "" {
			tz = job.Timezone
		}
		if tz == "" {
			tz = "UTC"
		}
		if err := p.cal.Validate(params.CronExpression); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		next, err := p.cal.Next(params.CronExpression, tz, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		job.ScheduleType = models.ScheduleRecurring
		job.CronExpression = params.CronExpression
		job.Timezone = tz
		job.ScheduledAt = nil
		job.NextExecutionAt = &next
		fields = map[string]interface{}{
			"schedule_type":     models.ScheduleRecurring,
			"cron_expression":   params.CronExpression,
			"timezone":          tz,
			"scheduled_at":      nil,
			"next_execution_at": next,
		}

	default:
		return nil, fmt.Errorf("%w: reschedule requires scheduled_at or cron_expression", ErrValidation)
	}

	ok, err := p.store.UpdateJobIf(ctx, id, fields, models.JobStatusActive, models.JobStatusPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job reached a terminal state while rescheduling", ErrIllegalTransition)
	}

	if job.Status == models.JobStatusActive {
		if err := p.cleanQueue(ctx, id); err != nil {
			return nil, err
		}
		if err := p.register(ctx, job, now); err != nil {
			return nil, err
		}
	}
	p.audit(ctx, id, nil, models.LogLevelInfo, "job rescheduled", models.JSONMap{
		"schedule_type": string(job.ScheduleType),
	})
	return job, nil
}

// UpdateParams carries the mutable non-schedule fields. Nil pointers leave
// the field untouched; schedule and type changes go through Reschedule.
type UpdateParams struct {
	Name         *string
	Description  *string
	Tags         *models.StringSlice
	Metadata     *models.JSONMap
	Priority     *int
	MaxRetries   *int
	RetryDelayMs *int
	RetryBackoff *models.BackoffKind
	TimeoutMs    *int
}

// Update patches a job's mutable fields. Terminal jobs are immutable
// history. A priority change on an active recurring job re-registers the
// repeatable so future fires enqueue in the new band; envelopes already
// queued keep the band they were enqueued with.
func (p *Planner) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*models.Job, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot update %s job", ErrIllegalTransition, job.Status)
	}

	fields := map[string]interface{}{}
	if params.Name != nil {
		if *params.Name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", ErrValidation)
		}
		fields["name"] = *params.Name
		job.Name = *params.Name
	}
	if params.Description != nil {
		fields["description"] = *params.Description
		job.Description = *params.Description
	}
	if params.Tags != nil {
		fields["tags"] = *params.Tags
		job.Tags = *params.Tags
	}
	if params.Metadata != nil {
		fields["metadata"] = *params.Metadata
		job.Metadata = *params.Metadata
	}
	if params.Priority != nil {
		if *params.Priority < 0 || *params.Priority > maxPriority {
			return nil, fmt.Errorf("%w: priority %d out of range 0..%d", ErrValidation, *params.Priority, maxPriority)
		}
		fields["priority"] = *params.Priority
		job.Priority = *params.Priority
	}
	if params.MaxRetries != nil {
		if *params.MaxRetries < 0 || *params.MaxRetries > maxRetryCeiling {
			return nil, fmt.Errorf("%w: max_retries %d out of range 0..%d", ErrValidation, *params.MaxRetries, maxRetryCeiling)
		}
		fields["max_retries"] = *params.MaxRetries
		job.MaxRetries = *params.MaxRetries
	}
	if params.RetryDelayMs != nil {
		if *params.RetryDelayMs < 0 {
			return nil, fmt.Errorf("%w: retry_delay_ms must not be negative", ErrValidation)
		}
		fields["retry_delay_ms"] = *params.RetryDelayMs
		job.RetryDelayMs = *params.RetryDelayMs
	}
	if params.RetryBackoff != nil {
		switch *params.RetryBackoff {
		case models.BackoffFixed, models.BackoffExponential:
		default:
			return nil, fmt.Errorf("%w: retry_backoff %q not recognized", ErrValidation, *params.RetryBackoff)
		}
		fields["retry_backoff"] = *params.RetryBackoff
		job.RetryBackoff = *params.RetryBackoff
	}
	if params.TimeoutMs != nil {
		if *params.TimeoutMs < minTimeoutMs || *params.TimeoutMs > maxTimeoutMs {
			return nil, fmt.Errorf("%w: timeout_ms %d out of range %d..%d", ErrValidation, *params.TimeoutMs, minTimeoutMs, maxTimeoutMs)
		}
		fields["timeout_ms"] = *params.TimeoutMs
		job.TimeoutMs = *params.TimeoutMs
	}
	if len(fields) == 0 {
		return job, nil
	}

	ok, err := p.store.UpdateJobIf(ctx, id, fields, models.JobStatusActive, models.JobStatusPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: job reached a terminal state while updating", ErrIllegalTransition)
	}

	if params.Priority != nil && job.Status == models.JobStatusActive &&
		job.ScheduleType == models.ScheduleRecurring && job.NextExecutionAt != nil {
		if err := p.queue.RegisterRepeatable(ctx, storage.Repeatable{
			JobID:      job.ID,
			Expression: job.CronExpression,
			Timezone:   job.Timezone,
			Priority:   job.Priority,
			NextFire:   *job.NextExecutionAt,
		}); err != nil {
			return nil, err
		}
	}
	p.audit(ctx, id, nil, models.LogLevelInfo, "job updated", nil)
	return job, nil
}

// Cancel removes queue entries and flips the job to cancelled. Running
// attempts drain: their outcomes still update counters, but the status guard
// on finalize keeps them from resurrecting scheduling. Cancelling a cancelled
// job is a no-op.
func (p *Planner) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusCancelled:
		return job, p.cleanQueue(ctx, id)
	case models.JobStatusCompleted, models.JobStatusFailed:
		return nil, fmt.Errorf("%w: cannot cancel %s job", ErrIllegalTransition, job.Status)
	}
	ok, err := p.store.UpdateJobIf(ctx, id, map[string]interface{}{
		"status":            models.JobStatusCancelled,
		"next_execution_at": nil,
	}, models.JobStatusActive, models.JobStatusPaused)
	if err != nil {
		return nil, err
	}
	if !ok {
		fresh, gerr := p.store.GetJob(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.Status == models.JobStatusCancelled {
			return fresh, p.cleanQueue(ctx, id)
		}
		return nil, fmt.Errorf("%w: cannot cancel %s job", ErrIllegalTransition, fresh.Status)
	}
	job.Status = models.JobStatusCancelled
	job.NextExecutionAt = nil
	if err := p.cleanQueue(ctx, id); err != nil {
		return nil, err
	}
	p.audit(ctx, id, nil, models.LogLevelInfo, "job cancelled", nil)
	return job, nil
}

// Delete cancels the job, then removes persistent state, cascading
// executions and logs.
func (p *Planner) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := p.Cancel(ctx, id); err != nil && !errors.Is(err, ErrIllegalTransition) {
		return err
	}
	logger.Info("job deleted", zap.String("job_id", id.String()))
	return p.store.DeleteJob(ctx, id)
}

// AdvanceRecurring recomputes a recurring job's next activation after an
// attempt chain finishes, completing the job once an end condition holds.
// The repeatable registration advances itself at fire time; this only
// touches the job row.
func (p *Planner) AdvanceRecurring(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusActive || job.ScheduleType != models.ScheduleRecurring {
		return nil
	}
	now := p.clk.Now()
	if p.endConditionMet(job, now) {
		return p.completeRecurring(ctx, job)
	}
	next, err := p.cal.Next(job.CronExpression, job.Timezone, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if job.EndAt != nil && next.After(*job.EndAt) {
		return p.completeRecurring(ctx, job)
	}
	_, err = p.store.UpdateJobIf(ctx, jobID,
		map[string]interface{}{"next_execution_at": next},
		models.JobStatusActive)
	return err
}

func (p *Planner) endConditionMet(job *models.Job, now time.Time) bool {
	if job.EndAt != nil && !job.EndAt.After(now) {
		return true
	}
	if job.MaxExecutions != nil && job.TotalExecutions >= *job.MaxExecutions {
		return true
	}
	return false
}

func (p *Planner) completeRecurring(ctx context.Context, job *models.Job) error {
	ok, err := p.store.UpdateJobIf(ctx, job.ID, map[string]interface{}{
		"status":            models.JobStatusCompleted,
		"next_execution_at": nil,
	}, models.JobStatusActive)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := p.queue.RemoveRepeatable(ctx, job.ID); err != nil {
		return err
	}
	p.audit(ctx, job.ID, nil, models.LogLevelInfo, "recurring schedule completed", nil)
	logger.Info("recurring schedule completed", zap.String("job_id", job.ID.String()))
	return nil
}

// normalize applies defaults and validates field constraints shared by all
// schedule types.
func (p *Planner) normalize(job *models.Job) error {
	if job.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if job.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	switch job.Type {
	case models.JobTypeHTTP, models.JobTypeWebhook, models.JobTypeScript, models.JobTypeEmail, models.JobTypeCustom:
	case "":
		return fmt.Errorf("%w: type is required", ErrValidation)
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrValidation, job.Type)
	}
	if job.Priority < 0 || job.Priority > maxPriority {
		return fmt.Errorf("%w: priority must be between 0 and %d", ErrValidation, maxPriority)
	}
	if job.MaxRetries < 0 || job.MaxRetries > maxRetryCeiling {
		return fmt.Errorf("%w: max_retries must be between 0 and %d", ErrValidation, maxRetryCeiling)
	}
	if job.RetryDelayMs < 0 {
		return fmt.Errorf("%w: retry_delay_ms must not be negative", ErrValidation)
	}
	if job.TimeoutMs == 0 {
		job.TimeoutMs = 300_000
	}
	if job.TimeoutMs < minTimeoutMs || job.TimeoutMs > maxTimeoutMs {
		return fmt.Errorf("%w: timeout_ms must be between %d and %d", ErrValidation, minTimeoutMs, maxTimeoutMs)
	}
	if job.RetryBackoff == "" {
		job.RetryBackoff = models.BackoffExponential
	}
	switch job.RetryBackoff {
	case models.BackoffFixed, models.BackoffExponential:
	default:
		return fmt.Errorf("%w: unknown retry backoff %q", ErrValidation, job.RetryBackoff)
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(job.Timezone); err != nil {
		return fmt.Errorf("%w: time zone %q: %v", ErrInvalidSchedule, job.Timezone, err)
	}
	if job.MaxExecutions != nil && *job.MaxExecutions < 1 {
		return fmt.Errorf("%w: max_executions must be at least 1", ErrValidation)
	}
	if p.validator != nil {
		if err := p.validator.ValidatePayload(job.Type, job.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// initialNext computes the first activation instant for a new job.
func (p *Planner) initialNext(job *models.Job, now time.Time) (*time.Time, error) {
	switch job.ScheduleType {
	case models.ScheduleImmediate:
		t := now
		return &t, nil

	case models.ScheduleScheduled:
		if job.ScheduledAt == nil {
			return nil, fmt.Errorf("%w: scheduled_at is required for scheduled jobs", ErrInvalidSchedule)
		}
		if !job.ScheduledAt.After(now) {
			return nil, fmt.Errorf("%w: scheduled_at %s is not in the future",
				ErrInvalidSchedule, job.ScheduledAt.Format(time.RFC3339))
		}
		return job.ScheduledAt, nil

	case models.ScheduleRecurring:
		if job.CronExpression == "" {
			return nil, fmt.Errorf("%w: cron_expression is required for recurring jobs", ErrInvalidSchedule)
		}
		if err := p.cal.Validate(job.CronExpression); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		next, err := p.cal.Next(job.CronExpression, job.Timezone, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if job.EndAt != nil && next.After(*job.EndAt) {
			return nil, fmt.Errorf("%w: first activation %s falls after end_at",
				ErrInvalidSchedule, next.Format(time.RFC3339))
		}
		return &next, nil
	}
	return nil, fmt.Errorf("%w: unknown schedule type %q", ErrValidation, job.ScheduleType)
}

// register installs the job's activation with the queue per its schedule
// type. Recurring jobs expect NextExecutionAt to be set.
func (p *Planner) register(ctx context.Context, job *models.Job, now time.Time) error {
	switch job.ScheduleType {
	case models.ScheduleImmediate:
		return p.queue.Enqueue(ctx, p.newEnvelope(job, models.AttemptOneShot, now))
	case models.ScheduleScheduled:
		env := p.newEnvelope(job, models.AttemptOneShot, *job.ScheduledAt)
		return p.queue.EnqueueDelayed(ctx, env, *job.ScheduledAt)
	case models.ScheduleRecurring:
		return p.queue.RegisterRepeatable(ctx, storage.Repeatable{
			JobID:      job.ID,
			Expression: job.CronExpression,
			Timezone:   job.Timezone,
			Priority:   job.Priority,
			NextFire:   *job.NextExecutionAt,
		})
	}
	return nil
}

// cleanQueue sweeps every queue trace of a job: the repeatable registration
// plus pending and delayed envelopes.
func (p *Planner) cleanQueue(ctx context.Context, id uuid.UUID) error {
	if err := p.queue.RemoveRepeatable(ctx, id); err != nil {
		return err
	}
	return p.queue.RemovePending(ctx, id)
}

func (p *Planner) newEnvelope(job *models.Job, kind models.AttemptKind, scheduledFor time.Time) storage.Envelope {
	return storage.Envelope{
		ID:           uuid.New(),
		JobID:        job.ID,
		Kind:         kind,
		Priority:     job.Priority,
		ScheduledFor: scheduledFor,
		EnqueuedAt:   p.clk.Now(),
	}
}

// audit appends a job log line. Best-effort: a failed append never blocks
// the operation that produced it.
func (p *Planner) audit(ctx context.Context, jobID uuid.UUID, execID *uuid.UUID, level models.LogLevel, msg string, data models.JSONMap) {
	entry := &models.JobLog{
		JobID:       jobID,
		ExecutionID: execID,
		Level:       level,
		Message:     msg,
		Data:        data,
		Timestamp:   p.clk.Now(),
	}
	if err := p.store.AppendLog(ctx, entry); err != nil {
		logger.Warn("audit append failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}
