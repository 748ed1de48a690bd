package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"tempus/pkg/models"
	"tempus/pkg/storage"
)

func (s *Store) AppendLog(ctx context.Context, entry *models.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	dup := *entry
	s.logs = append(s.logs, &dup)
	return nil
}

func (s *Store) ListLogs(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.JobLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []models.JobLog
	for _, entry := range s.logs {
		if entry.JobID == jobID {
			logs = append(logs, *entry)
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		return logs[i].Timestamp.After(logs[j].Timestamp)
	})
	if offset > len(logs) {
		offset = len(logs)
	}
	logs = logs[offset:]
	if limit <= 0 {
		limit = 100
	}
	if limit < len(logs) {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	kept := s.logs[:0]
	for _, entry := range s.logs {
		if entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.logs = kept
	return removed, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if _, ok := s.users[user.ID]; ok {
		return storage.ErrConflict
	}
	dup := *user
	s.users[user.ID] = &dup
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	dup := *user
	return &dup, nil
}
