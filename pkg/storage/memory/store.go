// Package memory provides in-process implementations of the storage
// interfaces with the same guard semantics as the PostgreSQL store. They
// back unit tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tempus/pkg/models"
	"tempus/pkg/storage"
)

type instantKey struct {
	jobID uuid.UUID
	kind  models.AttemptKind
	at    int64
}

// Store keeps all entities in maps under one mutex.
type Store struct {
	mu          sync.RWMutex
	jobs        map[uuid.UUID]*models.Job
	executions  map[uuid.UUID]*models.Execution
	byEnvelope  map[uuid.UUID]uuid.UUID
	bySuccessor map[uuid.UUID]uuid.UUID
	byInstant   map[instantKey]uuid.UUID
	logs        []*models.JobLog
	users       map[uuid.UUID]*models.User
}

func NewStore() *Store {
	return &Store{
		jobs:        make(map[uuid.UUID]*models.Job),
		executions:  make(map[uuid.UUID]*models.Execution),
		byEnvelope:  make(map[uuid.UUID]uuid.UUID),
		bySuccessor: make(map[uuid.UUID]uuid.UUID),
		byInstant:   make(map[instantKey]uuid.UUID),
		users:       make(map[uuid.UUID]*models.User),
	}
}

func copyJob(j *models.Job) *models.Job {
	dup := *j
	return &dup
}

func copyExecution(e *models.Execution) *models.Execution {
	dup := *e
	return &dup
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return storage.ErrConflict
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyJob(job), nil
}

func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]models.Job, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []models.Job
	for _, job := range s.jobs {
		if filter.OwnerID != nil && job.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, *job)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))

	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// applyJobFields mirrors the column-keyed updates the SQL store accepts.
func applyJobFields(job *models.Job, fields map[string]interface{}) {
	for key, value := range fields {
		switch key {
		case "status":
			job.Status = value.(models.JobStatus)
		case "next_execution_at":
			job.NextExecutionAt = toTimePtr(value)
		case "last_executed_at":
			job.LastExecutedAt = toTimePtr(value)
		case "scheduled_at":
			job.ScheduledAt = toTimePtr(value)
		case "cron_expression":
			job.CronExpression = value.(string)
		case "timezone":
			job.Timezone = value.(string)
		case "schedule_type":
			job.ScheduleType = value.(models.ScheduleType)
		case "end_at":
			job.EndAt = toTimePtr(value)
		case "max_executions":
			if value == nil {
				job.MaxExecutions = nil
			} else if n, ok := value.(*int); ok {
				job.MaxExecutions = n
			} else if n, ok := value.(int); ok {
				job.MaxExecutions = &n
			}
		case "name":
			job.Name = value.(string)
		case "description":
			job.Description = value.(string)
		case "tags":
			job.Tags = value.(models.StringSlice)
		case "metadata":
			job.Metadata = value.(models.JSONMap)
		case "priority":
			job.Priority = value.(int)
		case "max_retries":
			job.MaxRetries = value.(int)
		case "retry_delay_ms":
			job.RetryDelayMs = value.(int)
		case "retry_backoff":
			job.RetryBackoff = value.(models.BackoffKind)
		case "timeout_ms":
			job.TimeoutMs = value.(int)
		}
	}
	job.UpdatedAt = time.Now().UTC()
}

func toTimePtr(value interface{}) *time.Time {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		t := v
		return &t
	case *time.Time:
		return v
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	applyJobFields(job, fields)
	return nil
}

func (s *Store) UpdateJobIf(ctx context.Context, id uuid.UUID, fields map[string]interface{}, allowed ...models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	permitted := false
	for _, st := range allowed {
		if job.Status == st {
			permitted = true
			break
		}
	}
	if !permitted {
		return false, nil
	}
	applyJobFields(job, fields)
	return true, nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.jobs, id)
	for execID, exec := range s.executions {
		if exec.JobID != id {
			continue
		}
		delete(s.executions, execID)
		delete(s.byEnvelope, exec.EnvelopeID)
		if exec.PreviousExecutionID != nil {
			delete(s.bySuccessor, *exec.PreviousExecutionID)
		}
		delete(s.byInstant, instantKey{exec.JobID, exec.Kind, exec.ScheduledFor.UnixMilli()})
	}
	kept := s.logs[:0]
	for _, entry := range s.logs {
		if entry.JobID != id {
			kept = append(kept, entry)
		}
	}
	s.logs = kept
	return nil
}
