package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"tempus/pkg/models"
)

const (
	defaultScriptTimeoutMs = 60_000
	maxCapturedOutput      = 1 << 20
)

// Script runs a local command described by the payload:
// {command, args=[], cwd?, env={}, timeout_ms=60000}.
// Success is exit code zero; stdout and stderr come back trimmed.
type Script struct{}

func NewScript() *Script { return &Script{} }

func (s *Script) Type() models.JobType { return models.JobTypeScript }

func (s *Script) ValidatePayload(payload models.JSONMap) error {
	if stringField(payload, "command") == "" {
		return errors.New("command is required")
	}
	return nil
}

func (s *Script) Execute(ctx context.Context, payload models.JSONMap) (models.JSONMap, error) {
	command := stringField(payload, "command")
	args := stringsField(payload, "args")
	timeout := time.Duration(intField(payload, "timeout_ms", defaultScriptTimeoutMs)) * time.Millisecond

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	if cwd := stringField(payload, "cwd"); cwd != "" {
		cmd.Dir = cwd
	}
	if env := mapField(payload, "env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			if val, ok := v.(string); ok {
				cmd.Env = append(cmd.Env, k+"="+val)
			}
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// New process group so the whole tree dies on timeout, not just the
	// direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := models.JSONMap{
		"exitCode":   exitCode,
		"stdout":     truncateOutput(strings.TrimSpace(stdout.String())),
		"stderr":     truncateOutput(strings.TrimSpace(stderr.String())),
		"durationMs": durationMs,
	}
	if err != nil {
		msg := fmt.Sprintf("command exited with code %d", exitCode)
		if exitCode == -1 {
			msg = fmt.Sprintf("command failed: %v", err)
		}
		return nil, fail(result, "%s", msg)
	}
	return result, nil
}

func truncateOutput(s string) string {
	if len(s) > maxCapturedOutput {
		return s[:maxCapturedOutput]
	}
	return s
}
