package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User owns jobs and receives notifications. Deleting a user cascades its
// jobs (and through them executions and logs).
type User struct {
	ID    uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Email string    `json:"email" gorm:"size:255;not null;uniqueIndex"`
	Name  string    `json:"name" gorm:"size:255"`

	NotifyOnSuccess bool `json:"notify_on_success" gorm:"default:false"`
	NotifyOnFailure bool `json:"notify_on_failure" gorm:"default:true"`
	NotifyOnRetry   bool `json:"notify_on_retry" gorm:"default:false"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return
}
