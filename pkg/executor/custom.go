package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tempus/pkg/models"
)

// HandlerFunc is a process-local function invocable by custom jobs.
type HandlerFunc func(ctx context.Context, data models.JSONMap) (models.JSONMap, error)

// Handlers is a named registry of in-process functions. Safe for concurrent
// registration and lookup.
type Handlers struct {
	mu    sync.RWMutex
	funcs map[string]HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{funcs: make(map[string]HandlerFunc)}
}

func (h *Handlers) Register(name string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs[name] = fn
}

func (h *Handlers) get(name string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.funcs[name]
	return fn, ok
}

// Custom dispatches to a named handler: {handler, data}.
type Custom struct {
	handlers *Handlers
}

func NewCustom(handlers *Handlers) *Custom {
	if handlers == nil {
		handlers = NewHandlers()
	}
	return &Custom{handlers: handlers}
}

func (c *Custom) Type() models.JobType { return models.JobTypeCustom }

// Handlers exposes the registry so the worker entry point can install
// process-local functions.
func (c *Custom) Handlers() *Handlers { return c.handlers }

func (c *Custom) ValidatePayload(payload models.JSONMap) error {
	if stringField(payload, "handler") == "" {
		return errors.New("handler is required")
	}
	// Handlers may be registered on the worker but not on the API process,
	// so existence is only checked at execution time.
	return nil
}

func (c *Custom) Execute(ctx context.Context, payload models.JSONMap) (models.JSONMap, error) {
	name := stringField(payload, "handler")
	fn, ok := c.handlers.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	data := models.JSONMap(mapField(payload, "data"))
	out, err := fn(ctx, data)
	if err != nil {
		var aerr *Error
		if errors.As(err, &aerr) {
			return nil, aerr
		}
		return nil, fail(nil, "handler %q: %v", name, err)
	}
	return out, nil
}
