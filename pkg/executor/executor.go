// Package executor houses the adapters that run job payloads. The scheduling
// core stays adapter-agnostic: it hands the opaque payload to the adapter
// selected by the job's type and records whatever comes back.
package executor

import (
	"context"
	"errors"
	"fmt"

	"tempus/pkg/models"
)

var (
	// ErrUnknownJobType means no adapter is registered for the job's type.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrUnknownHandler means a custom payload names a handler that is not
	// in the process-local registry.
	ErrUnknownHandler = errors.New("unknown custom handler")
)

// Error is a failed attempt in a form the worker can persist: Message lands
// in the execution's error.message, Detail fills out the error bag.
type Error struct {
	Message string
	Detail  models.JSONMap
}

func (e *Error) Error() string { return e.Message }

func fail(detail models.JSONMap, format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Detail: detail}
}

// Executor runs one attempt of a given job type. Execute must honor ctx
// cancellation; the worker enforces the job's timeout through it.
type Executor interface {
	Type() models.JobType

	// ValidatePayload rejects malformed payloads at job creation time,
	// before anything is persisted.
	ValidatePayload(payload models.JSONMap) error

	// Execute runs the attempt. The result lands on the execution row; a
	// returned error becomes the attempt's failure record.
	Execute(ctx context.Context, payload models.JSONMap) (models.JSONMap, error)
}

// Registry resolves job types to adapters. It doubles as the planner's
// payload validator.
type Registry struct {
	adapters map[models.JobType]Executor
}

func NewRegistry(adapters ...Executor) *Registry {
	r := &Registry{adapters: make(map[models.JobType]Executor, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(e Executor) {
	r.adapters[e.Type()] = e
}

func (r *Registry) Get(t models.JobType) (Executor, error) {
	e, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}
	return e, nil
}

// ValidatePayload implements the planner's payload validation hook.
func (r *Registry) ValidatePayload(t models.JobType, payload models.JSONMap) error {
	e, err := r.Get(t)
	if err != nil {
		return err
	}
	return e.ValidatePayload(payload)
}
