package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempus/pkg/clock"
	"tempus/pkg/logger"
	"tempus/pkg/metrics"
	"tempus/pkg/models"
	"tempus/pkg/notifier"
	"tempus/pkg/scheduler"
	"tempus/pkg/storage"
)

// Finisher owns everything that happens after an attempt turns terminal:
// scheduling the retry, firing notifications, and advancing recurring jobs.
// The pool uses it on its own finished attempts; the scheduler's reconcile
// loop uses it to close out attempts whose worker vanished.
type Finisher struct {
	store   storage.Store
	queue   storage.ReadyQueue
	planner *scheduler.Planner
	notif   notifier.Notifier
	clk     clock.Clock
}

func NewFinisher(store storage.Store, queue storage.ReadyQueue, planner *scheduler.Planner, notif notifier.Notifier, clk clock.Clock) *Finisher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Finisher{store: store, queue: queue, planner: planner, notif: notif, clk: clk}
}

// FinalizeLost closes out a running execution whose worker stopped updating
// it. The attempt is marked failed and the normal after-failure path runs,
// so lost attempts still retry and still notify.
func (f *Finisher) FinalizeLost(ctx context.Context, exec *models.Execution) error {
	job, err := f.store.GetJob(ctx, exec.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	isLast := exec.Attempt >= job.MaxRetries+1
	applied, err := f.store.FinalizeExecution(ctx, f.lostOutcome(exec, job, isLast))
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	f.audit(ctx, job.ID, &exec.ID, models.LogLevelError,
		fmt.Sprintf("failed: worker lost, last_attempt=%t", isLast),
		models.JSONMap{"worker_id": exec.WorkerID, "attempt": exec.Attempt})
	metrics.ExecutionsTotal.WithLabelValues(string(models.ExecutionFailed), string(job.Type)).Inc()
	return f.AfterFailure(ctx, job, exec, exec.Attempt, "worker lost")
}

func (f *Finisher) lostOutcome(exec *models.Execution, job *models.Job, isLast bool) storage.AttemptOutcome {
	now := f.clk.Now().UTC()
	out := storage.AttemptOutcome{
		ExecutionID:    exec.ID,
		JobID:          exec.JobID,
		Status:         models.ExecutionFailed,
		CompletedAt:    now,
		Error:          models.JSONMap{"message": "worker lost"},
		LastExecutedAt: now,
	}
	if exec.StartedAt != nil {
		out.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}
	if isLast && job.ScheduleType != models.ScheduleRecurring {
		st := models.JobStatusFailed
		out.JobStatus = &st
		out.SetNextExecution = true
	}
	return out
}

// AfterFailure runs the post-terminal policy for a failed or timed-out
// attempt: schedule the next retry while budget remains, otherwise notify
// exhaustion and either fail the job or advance its recurring schedule.
// Callers must have finalized the execution first; a retry that cannot be
// enqueued surfaces as an error so the delivery is left unacked and the
// redelivery path can repair it.
func (f *Finisher) AfterFailure(ctx context.Context, job *models.Job, exec *models.Execution, attempt int, errMsg string) error {
	if attempt < job.MaxRetries+1 {
		scheduled, err := f.ScheduleRetry(ctx, job, exec, attempt)
		if err != nil {
			return err
		}
		if scheduled {
			f.notify(ctx, notifier.Retry(job, attempt, job.MaxRetries, errMsg))
		}
		return nil
	}

	f.notify(ctx, notifier.Exhausted(job, job.MaxRetries, errMsg))
	if job.ScheduleType == models.ScheduleRecurring {
		if err := f.planner.AdvanceRecurring(ctx, job.ID); err != nil {
			logger.Error("advance recurring after exhausted retries",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		return nil
	}
	f.notify(ctx, notifier.Failed(job, exec, errMsg, attempt))
	return nil
}

// ScheduleRetry enqueues the successor attempt after its backoff delay.
// Returns false when the job is no longer active and the retry was dropped.
func (f *Finisher) ScheduleRetry(ctx context.Context, job *models.Job, exec *models.Execution, attempt int) (bool, error) {
	fresh, err := f.store.GetJob(ctx, job.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if fresh.Status != models.JobStatusActive {
		f.audit(ctx, job.ID, &exec.ID, models.LogLevelWarning,
			fmt.Sprintf("retry dropped, job is %s", fresh.Status), nil)
		return false, nil
	}

	delay := job.RetryDelay(attempt)
	now := f.clk.Now().UTC()
	env := storage.Envelope{
		ID:                  uuid.New(),
		JobID:               job.ID,
		Kind:                models.AttemptRetry,
		AttemptsMade:        attempt,
		PreviousExecutionID: &exec.ID,
		Priority:            job.Priority,
		ScheduledFor:        now.Add(delay),
		EnqueuedAt:          now,
	}
	if err := f.queue.EnqueueDelayed(ctx, env, env.ScheduledFor); err != nil {
		return false, err
	}
	metrics.RetriesTotal.WithLabelValues(string(job.Type)).Inc()
	f.audit(ctx, job.ID, &exec.ID, models.LogLevelInfo,
		fmt.Sprintf("retry %d/%d scheduled in %s", attempt+1, job.MaxRetries+1, delay),
		models.JSONMap{"envelope_id": env.ID.String()})
	return true, nil
}

func (f *Finisher) notify(ctx context.Context, ev notifier.Event) {
	if f.notif == nil {
		return
	}
	if err := f.notif.Notify(ctx, ev); err != nil {
		logger.Warn("notification delivery", zap.String("event", ev.Kind), zap.Error(err))
	}
}

// audit appends a job log line. Best-effort, same contract as the planner's.
func (f *Finisher) audit(ctx context.Context, jobID uuid.UUID, execID *uuid.UUID, level models.LogLevel, msg string, data models.JSONMap) {
	entry := &models.JobLog{
		JobID:       jobID,
		ExecutionID: execID,
		Level:       level,
		Message:     msg,
		Data:        data,
		Timestamp:   f.clk.Now().UTC(),
	}
	if err := f.store.AppendLog(ctx, entry); err != nil {
		logger.Warn("audit append failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}
