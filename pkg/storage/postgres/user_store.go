package postgres

import (
	"context"

	"github.com/google/uuid"

	"tempus/pkg/models"
)

// CreateUser persists a job owner.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	result := s.db.WithContext(ctx).Create(user)
	if result.Error != nil {
		return wrapErr("create user", result.Error)
	}
	return nil
}

// GetUser retrieves an owner by ID.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	result := s.db.WithContext(ctx).First(&user, "id = ?", id)
	if result.Error != nil {
		return nil, wrapErr("get user", result.Error)
	}
	return &user, nil
}
