package postgres

import (
	"context"

	"github.com/google/uuid"

	"tempus/pkg/models"
	"tempus/pkg/storage"
)

// CreateJob persists a new job using GORM.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	result := s.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		return wrapErr("create job", result.Error)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		return nil, wrapErr("get job", result.Error)
	}
	return &job, nil
}

// ListJobs returns a filtered page of jobs plus the unpaged total.
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]models.Job, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Job{})
	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapErr("count jobs", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.Job
	result := query.
		Order("created_at desc").
		Limit(limit).
		Offset(filter.Offset).
		Find(&jobs)
	if result.Error != nil {
		return nil, 0, wrapErr("list jobs", result.Error)
	}
	return jobs, total, nil
}

// UpdateJob applies column updates unconditionally.
func (s *Store) UpdateJob(ctx context.Context, id uuid.UUID, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return wrapErr("update job", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateJobIf applies column updates only while the job's status is one of
// allowed. The guard runs in the same statement, so racing transitions see
// RowsAffected=0 instead of clobbering each other.
func (s *Store) UpdateJobIf(ctx context.Context, id uuid.UUID, fields map[string]interface{}, allowed ...models.JobStatus) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(fields)
	if result.Error != nil {
		return false, wrapErr("update job", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DeleteJob hard-deletes the job; executions and logs cascade via FK.
func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.Job{}, "id = ?", id)
	if result.Error != nil {
		return wrapErr("delete job", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
