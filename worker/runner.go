// Package worker consumes the dispatch queue: a Runner executes one job
// through the generation collaborator and writes its terminal state, and
// a Pool manages the blocking dequeue loops, heartbeats, and the
// stale-job reaper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/reelworks/renderq/artifact"
	"github.com/reelworks/renderq/ext"
	"github.com/reelworks/renderq/gen"
	"github.com/reelworks/renderq/job"
)

// Failure causes recorded on the job's error info.
const (
	CauseGenerate = "generate"
	CauseTimeout  = "timeout"
	CauseInput    = "input_unavailable"
	CauseArtifact = "artifact_store"
	CausePanic    = "panic"
)

// Runner executes a single dequeued job: load input, invoke the
// generator, persist the artifact, write the terminal state. Generator
// failures are always recovered into a failed (or requeued) record,
// never propagated to kill the worker process.
type Runner struct {
	store      job.Store
	artifacts  artifact.Store
	generator  gen.Generator
	params     gen.Params
	extensions *ext.Registry
	logger     *slog.Logger

	// genTimeout bounds one generation call. Zero means no timeout.
	genTimeout time.Duration

	// keepInputs disables deleting the input blob after success.
	keepInputs bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithParams sets the fixed generation parameters.
func WithParams(p gen.Params) RunnerOption {
	return func(r *Runner) { r.params = p }
}

// WithGenTimeout bounds each generation call. Timed-out jobs fail with
// cause "timeout".
func WithGenTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.genTimeout = d }
}

// WithKeepInputs disables input blob cleanup after a successful job.
func WithKeepInputs() RunnerOption {
	return func(r *Runner) { r.keepInputs = true }
}

// NewRunner creates a Runner with the given dependencies.
func NewRunner(
	store job.Store,
	artifacts artifact.Store,
	generator gen.Generator,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		store:      store,
		artifacts:  artifacts,
		generator:  generator,
		extensions: extensions,
		logger:     logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Execute processes one started job to a terminal state (or a requeue
// when retries remain). The job outcome is already persisted when
// Execute returns; the returned error is informational.
func (r *Runner) Execute(ctx context.Context, j *job.Job) error {
	r.extensions.EmitJobStarted(ctx, j)

	r.logger.Info("job started",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.Attempts),
	)

	start := time.Now()

	input, err := r.artifacts.Get(ctx, j.InputRef)
	if err != nil {
		return r.handleFailure(ctx, j, CauseInput, fmt.Errorf("load input %s: %w", j.InputRef, err))
	}

	out, genErr := r.generate(ctx, input)
	if genErr != nil {
		cause := CauseGenerate
		var pe *panicError
		switch {
		case errors.Is(genErr, context.DeadlineExceeded):
			cause = CauseTimeout
		case errors.As(genErr, &pe):
			cause = CausePanic
		}
		return r.handleFailure(ctx, j, cause, genErr)
	}

	resultRef := artifact.ResultRef(j.ID)
	if err := r.artifacts.Put(ctx, resultRef, out); err != nil {
		return r.handleFailure(ctx, j, CauseArtifact, fmt.Errorf("store result: %w", err))
	}

	if err := j.Finish(resultRef, time.Now().UTC()); err != nil {
		return err
	}
	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	// The uploaded image is no longer needed once the video exists.
	if !r.keepInputs {
		if err := r.artifacts.Delete(ctx, j.InputRef); err != nil {
			r.logger.Warn("input cleanup failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	r.extensions.EmitJobFinished(ctx, j, time.Since(start))
	return nil
}

// generate invokes the collaborator with the configured timeout and
// converts panics into errors, so a misbehaving pipeline wrapper cannot
// take the worker loop down.
func (r *Runner) generate(ctx context.Context, input []byte) (out []byte, err error) {
	if r.genTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.genTimeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("generator panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = &panicError{value: rec}
		}
	}()

	return r.generator.Generate(ctx, input, r.params)
}

// handleFailure requeues the job while attempts remain, otherwise parks
// it at failed with the captured cause.
func (r *Runner) handleFailure(ctx context.Context, j *job.Job, cause string, jobErr error) error {
	if j.Attempts <= j.MaxRetries {
		if err := r.store.RequeueJob(ctx, j); err != nil {
			r.logger.Error("failed to requeue job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}
		r.extensions.EmitJobRequeued(ctx, j, j.Attempts)
		return fmt.Errorf("attempt %d/%d failed: %w", j.Attempts, j.MaxRetries+1, jobErr)
	}

	if err := j.Fail(cause, jobErr.Error(), time.Now().UTC()); err != nil {
		return err
	}
	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.extensions.EmitJobFailed(ctx, j, jobErr)
	return jobErr
}

// panicError wraps a recovered panic value as an error.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic in generator: %v", e.value)
}
