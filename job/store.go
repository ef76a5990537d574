package job

import (
	"context"
	"time"

	"github.com/reelworks/renderq/id"
)

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs. The backend provides
// both the key/value record storage and the FIFO dispatch queue, and must
// deliver each queued reference to at most one concurrent dequeuer.
type Store interface {
	// EnqueueJob persists a new queued job and pushes its reference onto
	// the queue as one atomic operation: no reference is queued without
	// its record, and no record exists unqueued.
	EnqueueJob(ctx context.Context, j *Job) error

	// DequeueJob blocks until a job reference is available on the queue,
	// claims it for workerID, marks it started, and returns it. Returns
	// ctx.Err() when the context is cancelled while waiting.
	DequeueJob(ctx context.Context, queue string, workerID id.WorkerID) (*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// RequeueJob returns a started job to queued and pushes it back onto
	// the queue for redelivery. Attempt count is preserved.
	RequeueJob(ctx context.Context, j *Job) error

	// HeartbeatJob refreshes the lease on a started job, indicating the
	// claiming worker is still alive.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ReapStaleJobs returns started jobs whose last heartbeat is older
	// than the given threshold, indicating the worker may have crashed.
	ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
