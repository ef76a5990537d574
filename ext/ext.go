// Package ext defines the extension system for renderq. Extensions are
// notified of job lifecycle events and can react to them, for example by
// recording metrics or writing an audit trail.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/reelworks/renderq/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a job is accepted and enqueued.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobFinished is called after a job produces its artifact.
type JobFinished interface {
	OnJobFinished(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRequeued is called when a failed attempt is returned to the queue
// for another try.
type JobRequeued interface {
	OnJobRequeued(ctx context.Context, j *job.Job, attempt int) error
}

// Shutdown is called when a process is shutting down gracefully.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
