// Package service implements the submission and retrieval operations that
// sit between the HTTP surface and the broker store. It owns input
// validation, artifact placement, and the read-side state mapping.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	// Registered decoders bound the accepted input formats.
	_ "image/jpeg"
	_ "image/png"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/artifact"
	"github.com/reelworks/renderq/ext"
	"github.com/reelworks/renderq/id"
	"github.com/reelworks/renderq/job"
)

// Service exposes the orchestration operations: submit a generation job,
// inspect its status, and fetch its result.
type Service struct {
	store      job.Store
	artifacts  artifact.Store
	extensions *ext.Registry
	logger     *slog.Logger

	queue          string
	maxUploadBytes int64
	maxRetries     int
}

// Option configures a Service.
type Option func(*Service)

// WithQueue sets the queue submitted jobs are dispatched on.
func WithQueue(queue string) Option {
	return func(s *Service) { s.queue = queue }
}

// WithMaxUploadBytes bounds the accepted input image size.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) { s.maxUploadBytes = n }
}

// WithMaxRetries sets the redelivery budget stamped on new jobs.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// New creates a Service.
func New(
	store job.Store,
	artifacts artifact.Store,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:          store,
		artifacts:      artifacts,
		extensions:     extensions,
		logger:         logger,
		queue:          "video-tasks",
		maxUploadBytes: 20 << 20,
		maxRetries:     3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the uploaded image, persists it as the job's input
// artifact, and enqueues a new job. It returns the queued job record.
func (s *Service) Submit(ctx context.Context, filename string, data []byte) (*job.Job, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", renderq.ErrInvalidInput)
	}
	if s.maxUploadBytes > 0 && int64(len(data)) > s.maxUploadBytes {
		return nil, fmt.Errorf("%w: upload exceeds %d bytes", renderq.ErrInvalidInput, s.maxUploadBytes)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: not a decodable image: %v", renderq.ErrInvalidInput, err)
	}
	s.logger.Debug("accepted upload",
		slog.String("format", format),
		slog.Int("bytes", len(data)),
	)

	j := job.New(s.queue, filename, s.maxRetries)
	j.InputRef = artifact.InputRef(j.ID, filename)

	if err := s.artifacts.Put(ctx, j.InputRef, data); err != nil {
		return nil, fmt.Errorf("store input artifact: %w", err)
	}

	if err := s.store.EnqueueJob(ctx, j); err != nil {
		// Enqueue failed after the input was written; remove the orphan so
		// the artifact store does not accumulate unreachable blobs.
		if delErr := s.artifacts.Delete(ctx, j.InputRef); delErr != nil {
			s.logger.Warn("failed to clean up orphaned input artifact",
				slog.String("ref", j.InputRef),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.String("filename", filename),
	)
	s.extensions.EmitJobSubmitted(ctx, j)

	return j, nil
}

// Status returns the current job record.
func (s *Service) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Result returns the generated video bytes for a finished job. A job that
// has not reached a terminal state yields ErrResultNotReady; a failed job
// yields a JobFailedError carrying its recorded cause.
func (s *Service) Result(ctx context.Context, jobID id.JobID) ([]byte, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch j.State {
	case job.StateQueued, job.StateStarted:
		return nil, fmt.Errorf("%w: job is %s", renderq.ErrResultNotReady, j.State)
	case job.StateFailed:
		failure := &renderq.JobFailedError{JobID: j.ID.String()}
		if j.Error != nil {
			failure.Cause = j.Error.Cause
			failure.Detail = j.Error.Detail
		}
		return nil, failure
	case job.StateFinished:
		data, getErr := s.artifacts.Get(ctx, j.ResultRef)
		if getErr != nil {
			return nil, fmt.Errorf("fetch result artifact %q: %w", j.ResultRef, getErr)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("job %s in unexpected state %q", j.ID, j.State)
	}
}
