// Package memory is a fully in-memory broker store. Safe for concurrent
// access. Intended for unit testing and development; the blocking dequeue
// is implemented with a signal channel instead of Redis BRPOP.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/id"
	"github.com/reelworks/renderq/job"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ renderq.Storer = (*Store)(nil)
)

// Store is an in-memory implementation of job.Store.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	queues map[string][]string

	// signal wakes one blocked dequeuer per queued reference. A consumer
	// that claims a job re-signals when work remains, so a burst of
	// enqueues cannot strand a waiter.
	signal chan struct{}
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*job.Job),
		queues: make(map[string][]string),
		signal: make(chan struct{}, 1),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close(_ context.Context) error { return nil }

// EnqueueJob persists a new queued job and pushes its reference onto the
// queue in one critical section.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		m.mu.Unlock()
		return renderq.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	m.queues[j.Queue] = append(m.queues[j.Queue], key)
	m.mu.Unlock()

	m.notify()
	return nil
}

// DequeueJob blocks until a reference is available, claims it, and
// returns the started job.
func (m *Store) DequeueJob(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	for {
		if j := m.tryClaim(queue, workerID); j != nil {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.signal:
		}
	}
}

// tryClaim pops the oldest claimable reference from the queue, marks the
// job started, and returns a copy. Returns nil when the queue is empty.
func (m *Store) tryClaim(queue string, workerID id.WorkerID) *job.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[queue]
	for len(q) > 0 {
		key := q[0]
		q = q[1:]

		j, ok := m.jobs[key]
		if !ok {
			continue // record evicted underneath its reference
		}
		if err := j.Start(workerID, time.Now().UTC()); err != nil {
			continue // already terminal, skip
		}

		m.queues[queue] = q
		if len(q) > 0 {
			m.notify()
		}
		cp := *j
		return &cp
	}

	m.queues[queue] = q
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, renderq.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return renderq.ErrJobNotFound
	}
	j.Touch()
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// RequeueJob returns a started job to queued and pushes its reference to
// the front of the queue, so it is redelivered ahead of newer work.
func (m *Store) RequeueJob(_ context.Context, j *job.Job) error {
	if err := j.Release(time.Now().UTC()); err != nil {
		return err
	}

	m.mu.Lock()
	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		m.mu.Unlock()
		return renderq.ErrJobNotFound
	}
	cp := *j
	m.jobs[key] = &cp
	m.queues[j.Queue] = append([]string{key}, m.queues[j.Queue]...)
	m.mu.Unlock()

	m.notify()
	return nil
}

// HeartbeatJob refreshes the lease timestamp for a started job.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return renderq.ErrJobNotFound
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	j.WorkerID = workerID
	j.UpdatedAt = now
	return nil
}

// ReapStaleJobs returns started jobs whose last heartbeat is older than
// the threshold.
func (m *Store) ReapStaleJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)

	var stale []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateStarted {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			cp := *j
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

func (m *Store) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
