package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/reelworks/renderq/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobSubmittedEntry struct {
	name string
	hook JobSubmitted
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobFinishedEntry struct {
	name string
	hook JobFinished
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRequeuedEntry struct {
	name string
	hook JobRequeued
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobSubmitted []jobSubmittedEntry
	jobStarted   []jobStartedEntry
	jobFinished  []jobFinishedEntry
	jobFailed    []jobFailedEntry
	jobRequeued  []jobRequeuedEntry
	shutdown     []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobSubmitted); ok {
		r.jobSubmitted = append(r.jobSubmitted, jobSubmittedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobFinished); ok {
		r.jobFinished = append(r.jobFinished, jobFinishedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRequeued); ok {
		r.jobRequeued = append(r.jobRequeued, jobRequeuedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitJobSubmitted notifies all extensions that implement JobSubmitted.
func (r *Registry) EmitJobSubmitted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobSubmitted {
		if err := e.hook.OnJobSubmitted(ctx, j); err != nil {
			r.logHookError("OnJobSubmitted", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobFinished notifies all extensions that implement JobFinished.
func (r *Registry) EmitJobFinished(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobFinished {
		if err := e.hook.OnJobFinished(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobFinished", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRequeued notifies all extensions that implement JobRequeued.
func (r *Registry) EmitJobRequeued(ctx context.Context, j *job.Job, attempt int) {
	for _, e := range r.jobRequeued {
		if err := e.hook.OnJobRequeued(ctx, j, attempt); err != nil {
			r.logHookError("OnJobRequeued", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a hook failure. Hook errors never propagate; an
// extension must not be able to break job processing.
func (r *Registry) logHookError(hook, extension string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extension),
		slog.String("error", err.Error()),
	)
}
