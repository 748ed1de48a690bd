package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"tempus/pkg/models"
	"tempus/pkg/storage"
)

func (s *Store) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	// Enforce the same unique indexes as the SQL schema.
	if _, ok := s.byEnvelope[exec.EnvelopeID]; ok {
		return storage.ErrConflict
	}
	if exec.PreviousExecutionID != nil {
		if _, ok := s.bySuccessor[*exec.PreviousExecutionID]; ok {
			return storage.ErrConflict
		}
	}
	ikey := instantKey{exec.JobID, exec.Kind, exec.ScheduledFor.UnixMilli()}
	if _, ok := s.byInstant[ikey]; ok {
		return storage.ErrConflict
	}

	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	s.executions[exec.ID] = copyExecution(exec)
	s.byEnvelope[exec.EnvelopeID] = exec.ID
	if exec.PreviousExecutionID != nil {
		s.bySuccessor[*exec.PreviousExecutionID] = exec.ID
	}
	s.byInstant[ikey] = exec.ID
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyExecution(exec), nil
}

func (s *Store) GetExecutionByEnvelope(ctx context.Context, envelopeID uuid.UUID) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEnvelope[envelopeID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyExecution(s.executions[id]), nil
}

func (s *Store) ListExecutions(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execs []models.Execution
	for _, exec := range s.executions {
		if exec.JobID == jobID {
			execs = append(execs, *exec)
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
	if offset > len(execs) {
		offset = len(execs)
	}
	execs = execs[offset:]
	if limit <= 0 {
		limit = 50
	}
	if limit < len(execs) {
		execs = execs[:limit]
	}
	return execs, nil
}

func (s *Store) ListExecutionChain(ctx context.Context, id uuid.UUID, maxDepth int) ([]models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.executions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	chain := []models.Execution{*cur}
	node := cur
	for i := 0; i < maxDepth && node.PreviousExecutionID != nil; i++ {
		prev, ok := s.executions[*node.PreviousExecutionID]
		if !ok {
			break
		}
		chain = append([]models.Execution{*prev}, chain...)
		node = prev
	}

	node = cur
	for i := 0; i < maxDepth; i++ {
		nextID, ok := s.bySuccessor[node.ID]
		if !ok {
			break
		}
		next := s.executions[nextID]
		chain = append(chain, *next)
		node = next
	}
	return chain, nil
}

func (s *Store) CountRunning(ctx context.Context, jobID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, exec := range s.executions {
		if exec.JobID == jobID && exec.Status == models.ExecutionRunning {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListStuckRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execs []models.Execution
	for _, exec := range s.executions {
		if exec.Status != models.ExecutionRunning || exec.StartedAt == nil {
			continue
		}
		if exec.StartedAt.Before(cutoff) {
			execs = append(execs, *exec)
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartedAt.Before(*execs[j].StartedAt)
	})
	if limit > 0 && limit < len(execs) {
		execs = execs[:limit]
	}
	return execs, nil
}

func (s *Store) FinalizeExecution(ctx context.Context, out storage.AttemptOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[out.ExecutionID]
	if !ok || exec.Status.Terminal() {
		return false, nil
	}

	completedAt := out.CompletedAt
	exec.Status = out.Status
	exec.CompletedAt = &completedAt
	duration := out.DurationMs
	exec.DurationMs = &duration
	exec.Result = out.Result
	exec.Error = out.Error
	exec.Output = out.Output
	exec.UpdatedAt = time.Now().UTC()

	job, ok := s.jobs[out.JobID]
	if !ok {
		return true, nil
	}
	job.TotalExecutions++
	if out.Succeeded {
		job.SuccessfulExecutions++
	} else {
		job.FailedExecutions++
	}
	last := out.LastExecutedAt
	job.LastExecutedAt = &last

	if job.Status == models.JobStatusActive {
		if out.JobStatus != nil {
			job.Status = *out.JobStatus
			if out.JobStatus.Terminal() {
				job.NextExecutionAt = nil
			}
		}
		if out.SetNextExecution {
			job.NextExecutionAt = out.NextExecutionAt
		}
	}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}
