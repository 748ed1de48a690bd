package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempus/pkg/executor"
	"tempus/pkg/models"
)

func TestScript_ExecuteCapturesOutput(t *testing.T) {
	s := executor.NewScript()
	result, err := s.Execute(context.Background(), models.JSONMap{
		"command": "/bin/sh",
		"args":    []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result["exitCode"])
	assert.Equal(t, "out", result["stdout"])
	assert.Equal(t, "err", result["stderr"])
}

func TestScript_ExecuteReportsExitCode(t *testing.T) {
	s := executor.NewScript()
	result, err := s.Execute(context.Background(), models.JSONMap{
		"command": "/bin/sh",
		"args":    []string{"-c", "echo oops 1>&2; exit 3"},
	})
	require.Error(t, err)
	assert.Nil(t, result)

	var aerr *executor.Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "command exited with code 3", aerr.Message)
	assert.Equal(t, 3, aerr.Detail["exitCode"])
	assert.Equal(t, "oops", aerr.Detail["stderr"])
}

func TestScript_ExecuteAppliesEnvAndCwd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("from-here\n"), 0o644))

	s := executor.NewScript()
	result, err := s.Execute(context.Background(), models.JSONMap{
		"command": "/bin/sh",
		"args":    []string{"-c", "cat marker; echo $GREETING"},
		"cwd":     dir,
		"env":     map[string]interface{}{"GREETING": "salve"},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-here\nsalve", result["stdout"])
}

func TestScript_ExecuteKillsOnTimeout(t *testing.T) {
	s := executor.NewScript()
	_, err := s.Execute(context.Background(), models.JSONMap{
		"command":    "/bin/sh",
		"args":       []string{"-c", "sleep 5"},
		"timeout_ms": 100,
	})
	require.Error(t, err)

	var aerr *executor.Error
	require.True(t, errors.As(err, &aerr))
	assert.Contains(t, aerr.Message, "command failed")
	assert.Equal(t, -1, aerr.Detail["exitCode"])
}

func TestScript_ValidatePayload(t *testing.T) {
	s := executor.NewScript()
	err := s.ValidatePayload(models.JSONMap{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command is required")

	assert.NoError(t, s.ValidatePayload(models.JSONMap{"command": "true"}))
}
