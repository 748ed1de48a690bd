package executor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/executor"
	"tempus/pkg/models"
)

func TestCustom_ExecuteDispatchesToHandler(t *testing.T) {
	handlers := executor.NewHandlers()
	handlers.Register("greet", func(ctx context.Context, data models.JSONMap) (models.JSONMap, error) {
		return models.JSONMap{"greeting": "hello " + data["name"].(string)}, nil
	})
	c := executor.NewCustom(handlers)

	out, err := c.Execute(context.Background(), models.JSONMap{
		"handler": "greet",
		"data":    map[string]interface{}{"name": "ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello ops", out["greeting"])
}

func TestCustom_ExecuteUnknownHandler(t *testing.T) {
	c := executor.NewCustom(nil)
	_, err := c.Execute(context.Background(), models.JSONMap{"handler": "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrUnknownHandler)
}

func TestCustom_ExecuteWrapsPlainErrors(t *testing.T) {
	handlers := executor.NewHandlers()
	handlers.Register("boom", func(ctx context.Context, data models.JSONMap) (models.JSONMap, error) {
		return nil, errors.New("kaput")
	})
	c := executor.NewCustom(handlers)

	_, err := c.Execute(context.Background(), models.JSONMap{"handler": "boom"})
	require.Error(t, err)

	var aerr *executor.Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, `handler "boom": kaput`, aerr.Message)
}

func TestCustom_ExecutePassesAdapterErrorsThrough(t *testing.T) {
	shaped := &executor.Error{Message: "already shaped", Detail: models.JSONMap{"code": 7}}
	handlers := executor.NewHandlers()
	handlers.Register("shaped", func(ctx context.Context, data models.JSONMap) (models.JSONMap, error) {
		return nil, shaped
	})
	c := executor.NewCustom(handlers)

	_, err := c.Execute(context.Background(), models.JSONMap{"handler": "shaped"})
	require.Error(t, err)

	var aerr *executor.Error
	require.True(t, errors.As(err, &aerr))
	assert.Same(t, shaped, aerr)
}

func TestCustom_ValidatePayload(t *testing.T) {
	c := executor.NewCustom(nil)

	err := c.ValidatePayload(models.JSONMap{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler is required")

	// Handlers register on the worker process, so names the API process
	// cannot see still pass validation.
	assert.NoError(t, c.ValidatePayload(models.JSONMap{"handler": "ghost"}))
}
