package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tempus/pkg/models"
)

// AppendLog writes one audit line. Lines are never updated afterwards.
func (s *Store) AppendLog(ctx context.Context, entry *models.JobLog) error {
	result := s.db.WithContext(ctx).Create(entry)
	if result.Error != nil {
		return wrapErr("append log", result.Error)
	}
	return nil
}

// ListLogs returns a job's audit lines, newest first.
func (s *Store) ListLogs(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.JobLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []models.JobLog
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp desc").
		Limit(limit).
		Offset(offset).
		Find(&logs)
	if result.Error != nil {
		return nil, wrapErr("list logs", result.Error)
	}
	return logs, nil
}

// DeleteLogsBefore drops audit lines older than the cutoff.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.JobLog{})
	if result.Error != nil {
		return 0, wrapErr("delete logs", result.Error)
	}
	return result.RowsAffected, nil
}
