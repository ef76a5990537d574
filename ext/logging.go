package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/reelworks/renderq/job"
)

// Compile-time interface checks.
var (
	_ Extension   = (*LoggingExtension)(nil)
	_ JobFinished = (*LoggingExtension)(nil)
	_ JobFailed   = (*LoggingExtension)(nil)
	_ JobRequeued = (*LoggingExtension)(nil)
)

// LoggingExtension writes one structured log line per terminal lifecycle
// event. Transition-level logging lives with the worker; this extension
// gives operators an audit trail without touching the hot path.
type LoggingExtension struct {
	logger *slog.Logger
}

// NewLoggingExtension creates a LoggingExtension.
func NewLoggingExtension(logger *slog.Logger) *LoggingExtension {
	return &LoggingExtension{logger: logger}
}

// Name implements Extension.
func (l *LoggingExtension) Name() string { return "logging" }

// OnJobFinished implements JobFinished.
func (l *LoggingExtension) OnJobFinished(_ context.Context, j *job.Job, elapsed time.Duration) error {
	l.logger.Info("job finished",
		slog.String("job_id", j.ID.String()),
		slog.String("result_ref", j.ResultRef),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

// OnJobFailed implements JobFailed.
func (l *LoggingExtension) OnJobFailed(_ context.Context, j *job.Job, err error) error {
	l.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempts", j.Attempts),
		slog.String("error", err.Error()),
	)
	return nil
}

// OnJobRequeued implements JobRequeued.
func (l *LoggingExtension) OnJobRequeued(_ context.Context, j *job.Job, attempt int) error {
	l.logger.Info("job requeued for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", j.MaxRetries),
	)
	return nil
}
