package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tempus/pkg/models"
	"tempus/pkg/storage"
)

var openStatuses = []models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning}

// CreateExecution records a new attempt. The unique envelope and predecessor
// indexes turn duplicate dispatches into storage.ErrConflict.
func (s *Store) CreateExecution(ctx context.Context, exec *models.Execution) error {
	result := s.db.WithContext(ctx).Create(exec)
	if result.Error != nil {
		return wrapErr("create execution", result.Error)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var exec models.Execution
	result := s.db.WithContext(ctx).First(&exec, "id = ?", id)
	if result.Error != nil {
		return nil, wrapErr("get execution", result.Error)
	}
	return &exec, nil
}

// GetExecutionByEnvelope resolves the attempt opened for a delivered envelope.
func (s *Store) GetExecutionByEnvelope(ctx context.Context, envelopeID uuid.UUID) (*models.Execution, error) {
	var exec models.Execution
	result := s.db.WithContext(ctx).First(&exec, "envelope_id = ?", envelopeID)
	if result.Error != nil {
		return nil, wrapErr("get execution by envelope", result.Error)
	}
	return &exec, nil
}

// ListExecutions returns a job's attempts, newest first.
func (s *Store) ListExecutions(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	var execs []models.Execution
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&execs)
	if result.Error != nil {
		return nil, wrapErr("list executions", result.Error)
	}
	return execs, nil
}

// ListExecutionChain walks the retry chain containing the given execution,
// oldest first. Traversal is depth-bounded in both directions so a corrupt
// link can never loop.
func (s *Store) ListExecutionChain(ctx context.Context, id uuid.UUID, maxDepth int) ([]models.Execution, error) {
	cur, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []models.Execution{*cur}
	node := cur
	for i := 0; i < maxDepth && node.PreviousExecutionID != nil; i++ {
		prev, err := s.GetExecution(ctx, *node.PreviousExecutionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			return nil, err
		}
		chain = append([]models.Execution{*prev}, chain...)
		node = prev
	}

	node = cur
	for i := 0; i < maxDepth; i++ {
		var next models.Execution
		result := s.db.WithContext(ctx).First(&next, "previous_execution_id = ?", node.ID)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				break
			}
			return nil, wrapErr("walk execution chain", result.Error)
		}
		chain = append(chain, next)
		node = &next
	}
	return chain, nil
}

// CountRunning reports in-flight attempts for a job.
func (s *Store) CountRunning(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	result := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("job_id = ? AND status = ?", jobID, models.ExecutionRunning).
		Count(&n)
	if result.Error != nil {
		return 0, wrapErr("count running", result.Error)
	}
	return n, nil
}

// ListStuckRunning returns running executions that started before the cutoff.
func (s *Store) ListStuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	var execs []models.Execution
	result := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.ExecutionRunning, cutoff).
		Order("started_at asc").
		Limit(limit).
		Find(&execs)
	if result.Error != nil {
		return nil, wrapErr("list stuck running", result.Error)
	}
	return execs, nil
}

// FinalizeExecution applies an attempt outcome in one transaction: terminal
// execution fields, job counters, and the optional job transition. The
// execution update is guarded on non-terminal status, which makes the whole
// step idempotent: the second finalizer of a re-delivered envelope sees
// RowsAffected=0 and backs off without touching counters.
func (s *Store) FinalizeExecution(ctx context.Context, out storage.AttemptOutcome) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Model(&models.Execution{}).
			Where("id = ? AND status IN ?", out.ExecutionID, openStatuses).
			Updates(map[string]interface{}{
				"status":       out.Status,
				"completed_at": out.CompletedAt,
				"duration_ms":  out.DurationMs,
				"result":       out.Result,
				"error":        out.Error,
				"output":       out.Output,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil // already terminal
		}
		applied = true

		counters := map[string]interface{}{
			"total_executions": gorm.Expr("total_executions + 1"),
			"last_executed_at": out.LastExecutedAt,
		}
		if out.Succeeded {
			counters["successful_executions"] = gorm.Expr("successful_executions + 1")
		} else {
			counters["failed_executions"] = gorm.Expr("failed_executions + 1")
		}
		result = tx.Model(&models.Job{}).Where("id = ?", out.JobID).Updates(counters)
		if result.Error != nil {
			return result.Error
		}

		if out.JobStatus != nil || out.SetNextExecution {
			// Lifecycle effects apply only while the job is still active;
			// a pause or cancel that landed mid-flight wins.
			guarded := map[string]interface{}{}
			if out.JobStatus != nil {
				guarded["status"] = *out.JobStatus
				if out.JobStatus.Terminal() {
					guarded["next_execution_at"] = nil
				}
			}
			if out.SetNextExecution {
				guarded["next_execution_at"] = out.NextExecutionAt
			}
			result = tx.
				Model(&models.Job{}).
				Where("id = ? AND status = ?", out.JobID, models.JobStatusActive).
				Updates(guarded)
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return false, wrapErr("finalize execution", err)
	}
	return applied, nil
}
