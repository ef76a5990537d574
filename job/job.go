package job

import (
	"fmt"
	"time"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting to be picked up by a worker.
	StateQueued State = "queued"
	// StateStarted means a worker is currently executing the job.
	StateStarted State = "started"
	// StateFinished means the job produced an artifact.
	StateFinished State = "finished"
	// StateFailed means the job failed terminally.
	StateFailed State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// ErrorInfo captures why a job failed: a short machine-readable cause and
// a human-readable detail. Present if and only if the job is failed.
type ErrorInfo struct {
	Cause  string `json:"cause"`
	Detail string `json:"detail"`
}

// Job represents one submitted unit of work and its lifecycle state.
// The submission service creates it at queued; afterwards only the worker
// that dequeued it mutates it.
type Job struct {
	renderq.Entity

	ID       id.JobID `json:"id"`
	Queue    string   `json:"queue"`
	Filename string   `json:"filename,omitempty"`

	// InputRef is the opaque blob-store reference to the submitted image.
	InputRef string `json:"input_ref"`
	// ResultRef is the opaque blob-store reference to the produced video.
	// Set exactly once, by the worker that finished the job.
	ResultRef string `json:"result_ref,omitempty"`

	State State      `json:"state"`
	Error *ErrorInfo `json:"error,omitempty"`

	MaxRetries int `json:"max_retries"`
	// Attempts counts dequeues. Incremented by the store on each delivery.
	Attempts int `json:"attempts"`

	WorkerID    id.WorkerID `json:"worker_id,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`
}

// New creates a job record in the queued state with a fresh ID.
func New(queue, filename string, maxRetries int) *Job {
	return &Job{
		Entity:     renderq.NewEntity(),
		ID:         id.NewJobID(),
		Queue:      queue,
		Filename:   filename,
		State:      StateQueued,
		MaxRetries: maxRetries,
	}
}

// transitions is the set of legal state changes. started → queued is the
// lease-redelivery path; everything else is strictly forward.
var transitions = map[State][]State{
	StateQueued:  {StateStarted},
	StateStarted: {StateFinished, StateFailed, StateQueued},
}

// CanTransition reports whether moving from the job's current state to
// the given state is legal.
func (j *Job) CanTransition(to State) bool {
	for _, s := range transitions[j.State] {
		if s == to {
			return true
		}
	}
	return false
}

// Start marks the job as claimed by the given worker. Store backends call
// this as part of their atomic dequeue.
func (j *Job) Start(workerID id.WorkerID, now time.Time) error {
	if !j.CanTransition(StateStarted) {
		return fmt.Errorf("%w: %s -> %s", renderq.ErrInvalidTransition, j.State, StateStarted)
	}
	j.State = StateStarted
	j.WorkerID = workerID
	j.StartedAt = &now
	j.HeartbeatAt = &now
	j.Attempts++
	j.UpdatedAt = now
	return nil
}

// Finish records the produced artifact and moves the job to finished.
func (j *Job) Finish(resultRef string, now time.Time) error {
	if !j.CanTransition(StateFinished) {
		return fmt.Errorf("%w: %s -> %s", renderq.ErrInvalidTransition, j.State, StateFinished)
	}
	j.State = StateFinished
	j.ResultRef = resultRef
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail records the captured cause and moves the job to failed.
// The result slot stays empty.
func (j *Job) Fail(cause, detail string, now time.Time) error {
	if !j.CanTransition(StateFailed) {
		return fmt.Errorf("%w: %s -> %s", renderq.ErrInvalidTransition, j.State, StateFailed)
	}
	j.State = StateFailed
	j.Error = &ErrorInfo{Cause: cause, Detail: detail}
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

// Release returns a started job to queued for redelivery, clearing the
// worker claim. Used by the retry path and the stale-job reaper.
func (j *Job) Release(now time.Time) error {
	if !j.CanTransition(StateQueued) {
		return fmt.Errorf("%w: %s -> %s", renderq.ErrInvalidTransition, j.State, StateQueued)
	}
	j.State = StateQueued
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = now
	return nil
}
