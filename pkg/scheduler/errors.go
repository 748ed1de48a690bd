package scheduler

import "errors"

var (
	// ErrValidation indicates a job definition violates a field constraint.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidSchedule indicates a cron expression, timezone, or scheduled
	// time that cannot produce a future activation.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrIllegalTransition indicates a lifecycle operation that is not
	// permitted from the job's current status.
	ErrIllegalTransition = errors.New("illegal state transition")
)
