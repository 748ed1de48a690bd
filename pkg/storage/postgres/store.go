package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tempus/pkg/models"
	"tempus/pkg/storage"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	LogSQL          bool
}

// Store implements storage.Store on PostgreSQL via GORM.
type Store struct {
	db *gorm.DB
}

// NewStore opens the GORM connection and migrates the schema.
func NewStore(dsn string, opts Options) (*Store, error) {
	logMode := gormlogger.Silent
	if opts.LogSQL {
		logMode = gormlogger.Info
	}
	config := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logMode),
		PrepareStmt:    true, // Cache prepared statements for performance
		TranslateError: true, // Surface duplicate keys as gorm.ErrDuplicatedKey
	}

	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	err = db.AutoMigrate(&models.User{}, &models.Job{}, &models.Execution{}, &models.JobLog{})
	if err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// wrapErr translates driver errors into the storage sentinels.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return storage.ErrConflict
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, storage.ErrUnavailable)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w", op, storage.ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
