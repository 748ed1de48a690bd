package coordination

import (
	"context"
	"time"
)

// WorkerInfo describes a live worker registration.
type WorkerInfo struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	Concurrency int       `json:"concurrency"`
	CPUs        int       `json:"cpus"`
	MemoryMB    uint64    `json:"memory_mb"`
	StartedAt   time.Time `json:"started_at"`
}

// Coordinator provides the cluster primitives the system needs: an election
// that keeps exactly one scheduler core active, and a TTL'd worker registry
// for fleet visibility.
type Coordinator interface {
	// NewElection creates an election instance for the named campaign.
	NewElection(name string) Election

	// RegisterWorker announces a worker under a leased key. Calling it again
	// before the TTL lapses refreshes the lease.
	RegisterWorker(ctx context.Context, info WorkerInfo, ttlSeconds int) error

	// UnregisterWorker drops the worker's registration eagerly on shutdown.
	UnregisterWorker(ctx context.Context, id string) error

	// ActiveWorkers lists workers whose registration lease is still live.
	ActiveWorkers(ctx context.Context) ([]WorkerInfo, error)

	// Close terminates the coordinator connection.
	Close() error
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign blocks until leadership is acquired or the context ends.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Leader returns the current leader's value, if any.
	Leader(ctx context.Context) (string, error)
}
