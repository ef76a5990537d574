package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/id"
	"github.com/reelworks/renderq/job"
)

const testQueue = "video-tasks"

func newJob(filename string) *job.Job {
	return job.New(testQueue, filename, 3)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("cat.png")

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
	}{
		{
			name:    "enqueue new job",
			fn:      func() error { return s.EnqueueJob(ctx, j) },
			wantErr: nil,
		},
		{
			name:    "enqueue duplicate job",
			fn:      func() error { return s.EnqueueJob(ctx, j) },
			wantErr: renderq.ErrJobAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Filename != j.Filename {
		t.Fatalf("got filename %q, want %q", got.Filename, j.Filename)
	}
	if got.State != job.StateQueued {
		t.Fatalf("got state %q, want %q", got.State, job.StateQueued)
	}

	_, err = s.GetJob(ctx, id.NewJobID())
	if !errors.Is(err, renderq.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("cat.png")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	got.Filename = "mutated.png"

	again, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if again.Filename != "cat.png" {
		t.Fatal("store record mutated through a returned copy")
	}
}

func TestDequeueFIFO(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	var want []string
	for i := range 5 {
		j := newJob(fmt.Sprintf("frame-%d.png", i))
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		want = append(want, j.ID.String())
	}

	for i, wantID := range want {
		j, err := s.DequeueJob(ctx, testQueue, workerID)
		if err != nil {
			t.Fatalf("DequeueJob %d: %v", i, err)
		}
		if j.ID.String() != wantID {
			t.Fatalf("dequeue %d: got %s, want %s", i, j.ID, wantID)
		}
		if j.State != job.StateStarted {
			t.Fatalf("dequeued job state %q, want %q", j.State, job.StateStarted)
		}
		if j.Attempts != 1 {
			t.Fatalf("dequeued job attempts %d, want 1", j.Attempts)
		}
		if j.WorkerID != workerID {
			t.Fatalf("dequeued job claimed by %s, want %s", j.WorkerID, workerID)
		}
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	got := make(chan *job.Job, 1)
	errs := make(chan error, 1)
	go func() {
		j, err := s.DequeueJob(ctx, testQueue, id.NewWorkerID())
		if err != nil {
			errs <- err
			return
		}
		got <- j
	}()

	// Give the dequeuer time to block.
	time.Sleep(50 * time.Millisecond)

	j := newJob("late.png")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	select {
	case dq := <-got:
		if dq.ID != j.ID {
			t.Fatalf("got job %s, want %s", dq.ID, j.ID)
		}
	case err := <-errs:
		t.Fatalf("DequeueJob: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked dequeuer was not woken by enqueue")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	t.Parallel()
	s := New()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.DequeueJob(ctx, testQueue, id.NewWorkerID())
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not return after context cancel")
	}
}

// TestDequeueMutualExclusion runs several concurrent consumers against a
// burst of jobs and verifies every job is delivered exactly once.
func TestDequeueMutualExclusion(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	const workers = 4
	const jobs = 40

	for i := range jobs {
		if err := s.EnqueueJob(ctx, newJob(fmt.Sprintf("img-%d.png", i))); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := id.NewWorkerID()
			for {
				dqCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
				j, err := s.DequeueJob(dqCtx, testQueue, workerID)
				cancel()
				if err != nil {
					return // queue drained
				}
				mu.Lock()
				seen[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("delivered %d distinct jobs, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Fatalf("job %s delivered %d times", jobID, n)
		}
	}
}

func TestRequeueRedeliversFirst(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j1 := newJob("a.png")
	j2 := newJob("b.png")
	for _, j := range []*job.Job{j1, j2} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	dq, err := s.DequeueJob(ctx, testQueue, workerID)
	if err != nil {
		t.Fatalf("DequeueJob: %v", err)
	}
	if dq.ID != j1.ID {
		t.Fatalf("got %s, want %s", dq.ID, j1.ID)
	}

	if err := s.RequeueJob(ctx, dq); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	// The requeued job comes back before the still-queued one.
	redelivered, err := s.DequeueJob(ctx, testQueue, workerID)
	if err != nil {
		t.Fatalf("DequeueJob: %v", err)
	}
	if redelivered.ID != j1.ID {
		t.Fatalf("got %s, want requeued %s", redelivered.ID, j1.ID)
	}
	if redelivered.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", redelivered.Attempts)
	}
}

func TestUpdateJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("cat.png")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	dq, err := s.DequeueJob(ctx, testQueue, id.NewWorkerID())
	if err != nil {
		t.Fatalf("DequeueJob: %v", err)
	}
	if err := dq.Finish("results/x.mp4", time.Now().UTC()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := s.UpdateJob(ctx, dq); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateFinished || got.ResultRef != "results/x.mp4" {
		t.Fatalf("got state %q result %q", got.State, got.ResultRef)
	}

	missing := newJob("ghost.png")
	if err := s.UpdateJob(ctx, missing); !errors.Is(err, renderq.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestHeartbeatAndReap(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	workerID := id.NewWorkerID()

	j := newJob("cat.png")
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.DequeueJob(ctx, testQueue, workerID); err != nil {
		t.Fatalf("DequeueJob: %v", err)
	}

	// Fresh heartbeat, nothing stale.
	if err := s.HeartbeatJob(ctx, j.ID, workerID); err != nil {
		t.Fatalf("HeartbeatJob: %v", err)
	}
	stale, err := s.ReapStaleJobs(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ReapStaleJobs: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("got %d stale jobs, want 0", len(stale))
	}

	// With a zero threshold everything started is stale.
	time.Sleep(10 * time.Millisecond)
	stale, err = s.ReapStaleJobs(ctx, 0)
	if err != nil {
		t.Fatalf("ReapStaleJobs: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != j.ID {
		t.Fatalf("got stale jobs %v, want [%s]", stale, j.ID)
	}

	if err := s.HeartbeatJob(ctx, id.NewJobID(), workerID); !errors.Is(err, renderq.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for range 3 {
		if err := s.EnqueueJob(ctx, newJob("x.png")); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	other := job.New("other-queue", "y.png", 3)
	if err := s.EnqueueJob(ctx, other); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.DequeueJob(ctx, testQueue, id.NewWorkerID()); err != nil {
		t.Fatalf("DequeueJob: %v", err)
	}

	tests := []struct {
		name string
		opts job.CountOpts
		want int64
	}{
		{"all", job.CountOpts{}, 4},
		{"by queue", job.CountOpts{Queue: testQueue}, 3},
		{"queued in queue", job.CountOpts{Queue: testQueue, State: job.StateQueued}, 2},
		{"started", job.CountOpts{State: job.StateStarted}, 1},
		{"none finished", job.CountOpts{State: job.StateFinished}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CountJobs(ctx, tt.opts)
			if err != nil {
				t.Fatalf("CountJobs: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}
