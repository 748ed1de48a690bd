// Package notifier fans job lifecycle events out to delivery channels.
// Delivery is best-effort by contract: a failed notification never alters
// job or execution state.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tempus/pkg/logger"
	"tempus/pkg/metrics"
	"tempus/pkg/models"
)

const (
	EventJobCompleted       = "job_completed"
	EventJobRetry           = "job_retry"
	EventMaxRetriesExceeded = "max_retries_exceeded"
	EventJobFailed          = "job_failed"
)

// Event carries everything a channel needs to render a notification.
type Event struct {
	Kind       string
	Job        *models.Job
	Execution  *models.Execution
	Attempt    int
	MaxRetries int
	DurationMs int64
	ErrorMsg   string
}

// Completed builds a job_completed event.
func Completed(job *models.Job, exec *models.Execution, durationMs int64) Event {
	return Event{Kind: EventJobCompleted, Job: job, Execution: exec, DurationMs: durationMs}
}

// Retry builds a job_retry event for the attempt that just failed.
func Retry(job *models.Job, attempt, maxRetries int, errMsg string) Event {
	return Event{Kind: EventJobRetry, Job: job, Attempt: attempt, MaxRetries: maxRetries, ErrorMsg: errMsg}
}

// Exhausted builds a max_retries_exceeded event.
func Exhausted(job *models.Job, maxRetries int, lastErr string) Event {
	return Event{Kind: EventMaxRetriesExceeded, Job: job, MaxRetries: maxRetries, ErrorMsg: lastErr}
}

// Failed builds a job_failed event for a terminally failed job.
func Failed(job *models.Job, exec *models.Execution, errMsg string, attempts int) Event {
	return Event{Kind: EventJobFailed, Job: job, Execution: exec, ErrorMsg: errMsg, Attempt: attempts}
}

// Notifier delivers one event over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Fanout delivers an event to every channel, never short-circuiting: each
// channel gets its chance regardless of earlier failures.
type Fanout struct {
	channels []Notifier
}

func NewFanout(channels ...Notifier) *Fanout {
	return &Fanout{channels: channels}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, ch := range f.channels {
		if err := ch.Notify(ctx, ev); err != nil {
			metrics.NotificationsTotal.WithLabelValues(ev.Kind, "failed").Inc()
			logger.Warn("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("event", ev.Kind),
				zap.String("job_id", ev.Job.ID.String()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(ev.Kind, "delivered").Inc()
	}
	return errors.Join(errs...)
}
