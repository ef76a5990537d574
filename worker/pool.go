package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reelworks/renderq/id"
	"github.com/reelworks/renderq/job"
)

// Pool manages a set of worker goroutines that block-wait on the
// dispatch queue and execute jobs through the Runner. Each goroutine
// processes one job at a time; generation monopolizes the accelerator,
// so the default concurrency is 1.
type Pool struct {
	store  job.Store
	runner *Runner

	concurrency int
	queue       string
	workerID    id.WorkerID
	logger      *slog.Logger

	// Heartbeat / reaper configuration. Zero disables the loop.
	heartbeatInterval time.Duration
	staleAfter        time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	activeMu sync.Mutex
	active   map[string]struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueue sets the queue the pool consumes.
func WithPoolQueue(queue string) PoolOption {
	return func(p *Pool) { p.queue = queue }
}

// WithHeartbeatInterval sets how often the pool refreshes the lease on
// in-flight jobs. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStaleAfter sets the lease threshold after which started jobs
// without a heartbeat are returned to the queue. A zero value disables
// the reaper.
func WithStaleAfter(d time.Duration) PoolOption {
	return func(p *Pool) { p.staleAfter = d }
}

// NewPool creates a worker pool.
func NewPool(store job.Store, runner *Runner, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:       store,
		runner:      runner,
		concurrency: 1,
		queue:       "video-tasks",
		workerID:    id.NewWorkerID(),
		logger:      logger,
		active:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.String("queue", p.queue),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	if p.staleAfter > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	return nil
}

// Stop cancels the blocking dequeues and waits for in-flight jobs to
// reach a terminal state, or for the context deadline, whichever comes
// first. A generation run is not preemptible, so a short deadline can
// leave a started job to the reaper.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out with jobs in flight",
			slog.Int("active", p.activeCount()))
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		j, err := p.store.DequeueJob(p.ctx, p.queue, p.workerID)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		p.trackJob(j.ID.String())

		// Execution gets its own context: a pool shutdown must not abort
		// a generation already holding the accelerator.
		if execErr := p.runner.Execute(context.Background(), j); execErr != nil {
			p.logger.Debug("job execution did not finish",
				slog.String("job_id", j.ID.String()),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
	}
}

// heartbeatLoop periodically refreshes the lease on all active jobs.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.active))
	for jobID := range p.active {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}
		if err := p.store.HeartbeatJob(context.Background(), parsedID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically returns stale started jobs to the queue.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reapStaleJobs()
		}
	}
}

func (p *Pool) reapStaleJobs() {
	stale, err := p.store.ReapStaleJobs(context.Background(), p.staleAfter)
	if err != nil {
		p.logger.Error("reap stale jobs error", slog.String("error", err.Error()))
		return
	}

	for _, j := range stale {
		abandonedBy := j.WorkerID.String()
		if requeueErr := p.store.RequeueJob(context.Background(), j); requeueErr != nil {
			p.logger.Error("reap: failed to requeue stale job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", requeueErr.Error()),
			)
			continue
		}

		p.logger.Info("reclaimed stale job for redelivery",
			slog.String("job_id", j.ID.String()),
			slog.String("abandoned_by", abandonedBy),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(time.Second):
	case <-p.ctx.Done():
	}
}

func (p *Pool) trackJob(jobID string) {
	p.activeMu.Lock()
	p.active[jobID] = struct{}{}
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) activeCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}
