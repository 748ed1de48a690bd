package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tempus/pkg/executor"
	"tempus/pkg/logger"
	"tempus/pkg/metrics"
	"tempus/pkg/models"
	"tempus/pkg/notifier"
	"tempus/pkg/storage"
)

var tracer = otel.Tracer("tempus-worker")

// handle drives one delivery through the attempt pipeline. The attempt runs
// on a context detached from the pop context: shutdown stops new pops but
// never cancels work that already started.
//
// A return without ack is deliberate in every branch where it happens: the
// envelope stalls and is redelivered, and the dedupe step makes redelivery
// converge instead of double-running.
func (p *Pool) handle(popCtx context.Context, d *storage.Delivery) {
	ctx := context.WithoutCancel(popCtx)
	metrics.WorkerInflight.Inc()
	defer metrics.WorkerInflight.Dec()

	prior, err := p.store.GetExecutionByEnvelope(ctx, d.ID)
	switch {
	case err == nil:
		p.finishRedelivered(ctx, d, prior)
		return
	case !errors.Is(err, storage.ErrNotFound):
		logger.Error("resolve envelope", zap.String("envelope_id", d.ID.String()), zap.Error(err))
		return
	}

	job, err := p.store.GetJob(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.ack(ctx, d)
			return
		}
		logger.Error("load job", zap.String("job_id", d.JobID.String()), zap.Error(err))
		return
	}
	if job.Status != models.JobStatusActive {
		// Paused or terminal while queued. Dropped, not deferred.
		p.ack(ctx, d)
		return
	}

	if d.Kind == models.AttemptFire {
		running, err := p.store.CountRunning(ctx, job.ID)
		if err != nil {
			logger.Error("count running attempts", zap.String("job_id", job.ID.String()), zap.Error(err))
			return
		}
		if running > 0 {
			metrics.OverlapSkips.Inc()
			p.fin.audit(ctx, job.ID, nil, models.LogLevelWarning, "skipped_overlap",
				models.JSONMap{"envelope_id": d.ID.String()})
			p.ack(ctx, d)
			return
		}
	}

	exec, ok := p.open(ctx, d, job)
	if !ok {
		return
	}

	output, timedOut, execErr := p.execute(ctx, d, job)
	p.finish(ctx, d, job, exec, output, execErr, timedOut)
}

// open records the attempt as running before any side effect of the job can
// happen. The envelope ID's uniqueness makes this the dedupe point: losing
// the insert race means another worker owns the attempt.
func (p *Pool) open(ctx context.Context, d *storage.Delivery, job *models.Job) (*models.Execution, bool) {
	now := p.clk.Now().UTC()
	attempt := d.AttemptsMade + 1
	exec := &models.Execution{
		ID:                  uuid.New(),
		JobID:               job.ID,
		EnvelopeID:          d.ID,
		Status:              models.ExecutionRunning,
		Kind:                d.Kind,
		Attempt:             attempt,
		ScheduledFor:        d.ScheduledFor.UTC(),
		StartedAt:           &now,
		Input:               job.Payload,
		IsRetry:             attempt > 1,
		PreviousExecutionID: d.PreviousExecutionID,
		WorkerID:            p.id,
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			p.ack(ctx, d)
			return nil, false
		}
		logger.Error("create execution", zap.String("envelope_id", d.ID.String()), zap.Error(err))
		return nil, false
	}

	metrics.RecordDispatch(now.Sub(d.ScheduledFor).Seconds())
	p.fin.audit(ctx, job.ID, &exec.ID, models.LogLevelInfo, "started",
		models.JSONMap{"attempt": attempt, "worker_id": p.id})
	return exec, true
}

// execute runs the adapter under the job's attempt deadline. timedOut is
// true only when this deadline fired; an adapter's own payload-level timeout
// surfaces as an ordinary failure.
func (p *Pool) execute(ctx context.Context, d *storage.Delivery, job *models.Job) (models.JSONMap, bool, error) {
	adapter, err := p.registry.Get(job.Type)
	if err != nil {
		return nil, false, err
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	runCtx, span := tracer.Start(runCtx, "job.attempt",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.type", string(job.Type)),
			attribute.Int("job.attempt", d.AttemptsMade+1),
			attribute.String("worker.id", p.id),
		))
	defer span.End()

	stop := make(chan struct{})
	go p.extendLoop(ctx, d, stop)
	output, execErr := adapter.Execute(runCtx, job.Payload)
	close(stop)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	}
	return output, errors.Is(runCtx.Err(), context.DeadlineExceeded), execErr
}

// extendLoop renews the delivery lease while the adapter runs so a slow
// attempt is not reclaimed as stalled.
func (p *Pool) extendLoop(ctx context.Context, d *storage.Delivery, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.ExtendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, d); err != nil {
				logger.Warn("extend delivery", zap.String("envelope_id", d.ID.String()), zap.Error(err))
			}
		}
	}
}

// finish applies the terminal outcome, then runs the post-terminal effects
// in their required order: finalize first, retry or notify after.
func (p *Pool) finish(ctx context.Context, d *storage.Delivery, job *models.Job, exec *models.Execution, output models.JSONMap, execErr error, timedOut bool) {
	now := p.clk.Now().UTC()
	durationMs := now.Sub(*exec.StartedAt).Milliseconds()
	isLast := exec.Attempt >= job.MaxRetries+1
	succeeded := execErr == nil && !timedOut

	out := storage.AttemptOutcome{
		ExecutionID:    exec.ID,
		JobID:          job.ID,
		CompletedAt:    now,
		DurationMs:     durationMs,
		Succeeded:      succeeded,
		LastExecutedAt: now,
	}

	var errMsg string
	if succeeded {
		out.Status = models.ExecutionCompleted
		out.Result = p.offload(ctx, exec.ID, output)
		if job.ScheduleType != models.ScheduleRecurring {
			st := models.JobStatusCompleted
			out.JobStatus = &st
			out.SetNextExecution = true
		}
	} else {
		if timedOut {
			out.Status = models.ExecutionTimeout
			errMsg = fmt.Sprintf("attempt exceeded timeout of %d ms", job.TimeoutMs)
		} else {
			out.Status = models.ExecutionFailed
			errMsg = execErr.Error()
		}
		out.Error = errorBag(errMsg, execErr)
		if isLast && job.ScheduleType != models.ScheduleRecurring {
			st := models.JobStatusFailed
			out.JobStatus = &st
			out.SetNextExecution = true
		}
	}

	applied, err := p.store.FinalizeExecution(ctx, out)
	if err != nil {
		logger.Error("finalize execution",
			zap.String("execution_id", exec.ID.String()), zap.Error(err))
		return
	}
	if !applied {
		// Already closed, likely by the orphan reconciler.
		p.ack(ctx, d)
		return
	}

	metrics.RecordExecution(string(job.Type), string(out.Status), float64(durationMs)/1000)

	if succeeded {
		p.fin.audit(ctx, job.ID, &exec.ID, models.LogLevelInfo,
			fmt.Sprintf("completed in %dms", durationMs), nil)
		p.fin.notify(ctx, notifier.Completed(job, exec, durationMs))
		if job.ScheduleType == models.ScheduleRecurring {
			if err := p.fin.planner.AdvanceRecurring(ctx, job.ID); err != nil {
				logger.Error("advance recurring schedule",
					zap.String("job_id", job.ID.String()), zap.Error(err))
			}
		}
		p.ack(ctx, d)
		return
	}

	p.fin.audit(ctx, job.ID, &exec.ID, models.LogLevelError,
		fmt.Sprintf("failed: %s, last_attempt=%t", errMsg, isLast), out.Error)
	if err := p.fin.AfterFailure(ctx, job, exec, exec.Attempt, errMsg); err != nil {
		logger.Error("schedule retry",
			zap.String("execution_id", exec.ID.String()), zap.Error(err))
		return
	}
	p.ack(ctx, d)
}

// finishRedelivered converges a redelivered envelope whose attempt record
// already exists. A non-terminal record means its worker died mid-attempt;
// a terminal failed record may have lost its retry in the crash window
// between finalize and enqueue, so retry scheduling is re-run. The unique
// predecessor link dedupes the case where the retry did make it out.
func (p *Pool) finishRedelivered(ctx context.Context, d *storage.Delivery, prior *models.Execution) {
	if !prior.Status.Terminal() {
		if err := p.fin.FinalizeLost(ctx, prior); err != nil {
			logger.Error("finalize lost execution",
				zap.String("execution_id", prior.ID.String()), zap.Error(err))
			return
		}
		p.ack(ctx, d)
		return
	}

	switch prior.Status {
	case models.ExecutionFailed, models.ExecutionTimeout:
		job, err := p.store.GetJob(ctx, prior.JobID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Error("load job", zap.String("job_id", prior.JobID.String()), zap.Error(err))
				return
			}
		} else if prior.Attempt < job.MaxRetries+1 {
			if _, err := p.fin.ScheduleRetry(ctx, job, prior, prior.Attempt); err != nil {
				logger.Error("reschedule retry",
					zap.String("execution_id", prior.ID.String()), zap.Error(err))
				return
			}
		}
	}
	p.ack(ctx, d)
}

// offload swaps oversized results for an archive reference.
func (p *Pool) offload(ctx context.Context, execID uuid.UUID, output models.JSONMap) models.JSONMap {
	if output == nil || p.archive == nil {
		return output
	}
	raw, err := json.Marshal(output)
	if err != nil || len(raw) < p.cfg.ArchiveFrom {
		return output
	}
	ref, err := p.archive.Put(ctx, execID.String(), raw)
	if err != nil {
		logger.Warn("archive result", zap.String("execution_id", execID.String()), zap.Error(err))
		return output
	}
	return models.JSONMap{"archived": ref, "bytes": len(raw)}
}

func (p *Pool) ack(ctx context.Context, d *storage.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		logger.Warn("ack envelope", zap.String("envelope_id", d.ID.String()), zap.Error(err))
	}
}

func errorBag(msg string, execErr error) models.JSONMap {
	bag := models.JSONMap{"message": msg}
	var xerr *executor.Error
	if errors.As(execErr, &xerr) && len(xerr.Detail) > 0 {
		bag["detail"] = xerr.Detail
	}
	return bag
}
