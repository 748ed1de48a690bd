package notifier

import (
	"context"

	"go.uber.org/zap"

	"tempus/pkg/logger"
)

// LogChannel writes events to the process log. Always on; it keeps lifecycle
// events observable even when no owner opted into email.
type LogChannel struct{}

func NewLogChannel() *LogChannel { return &LogChannel{} }

func (LogChannel) Name() string { return "log" }

func (LogChannel) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", ev.Kind),
		zap.String("job_id", ev.Job.ID.String()),
		zap.String("job_name", ev.Job.Name),
	}
	switch ev.Kind {
	case EventJobCompleted:
		fields = append(fields, zap.Int64("duration_ms", ev.DurationMs))
		logger.Info("job completed", fields...)
	case EventJobRetry:
		fields = append(fields,
			zap.Int("attempt", ev.Attempt),
			zap.Int("max_retries", ev.MaxRetries),
			zap.String("error", ev.ErrorMsg))
		logger.Warn("job retrying", fields...)
	case EventMaxRetriesExceeded:
		fields = append(fields,
			zap.Int("max_retries", ev.MaxRetries),
			zap.String("last_error", ev.ErrorMsg))
		logger.Error("job exhausted retries", fields...)
	case EventJobFailed:
		fields = append(fields,
			zap.Int("attempts", ev.Attempt),
			zap.String("error", ev.ErrorMsg))
		logger.Error("job failed", fields...)
	default:
		logger.Info("job event", fields...)
	}
	return nil
}
