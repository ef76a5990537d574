package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/id"
	"github.com/reelworks/renderq/job"
)

// blockInterval bounds one BRPOP wait so a cancelled context is noticed
// even on quiet queues.
const blockInterval = 5 * time.Second

// EnqueueJob stores the record as a Hash and pushes its ID onto the queue
// List in one transaction, so the record and the queue entry appear (or
// fail) together.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return renderq.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.LPush(ctx, queueKey(j.Queue), jID)

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: enqueue job: %w", err)
	}
	return nil
}

// DequeueJob block-waits on the queue List, claims the popped reference
// for workerID, and returns the started job. BRPOP removes the reference
// atomically, so no two workers receive the same job.
func (s *Store) DequeueJob(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	for {
		res, err := s.client.BRPop(ctx, blockInterval, queueKey(queue)).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, goredis.Nil) {
				continue // wait timed out, block again
			}
			return nil, fmt.Errorf("renderq/redis: dequeue brpop: %w", err)
		}

		// BRPOP returns [key, member].
		jID := res[1]

		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			if errors.Is(getErr, renderq.ErrJobNotFound) {
				// Record evicted underneath its queue entry; skip.
				s.logger.Warn("dequeued reference without record",
					slog.String("job_id", jID))
				continue
			}
			return nil, getErr
		}

		if err := j.Start(workerID, time.Now().UTC()); err != nil {
			// Already terminal (e.g. reaped and completed elsewhere); skip.
			s.logger.Warn("dequeued job not claimable",
				slog.String("job_id", jID), slog.String("state", string(j.State)))
			continue
		}

		if err := s.writeJob(ctx, j); err != nil {
			return nil, err
		}
		return j, nil
	}
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return renderq.ErrJobNotFound
	}

	j.Touch()
	return s.writeJob(ctx, j)
}

// RequeueJob returns a started job to queued and pushes it to the tail of
// the queue List, so it is redelivered ahead of newer work.
func (s *Store) RequeueJob(ctx context.Context, j *job.Job) error {
	if err := j.Release(time.Now().UTC()); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID.String()), jobToMap(j))
	pipe.RPush(ctx, queueKey(j.Queue), j.ID.String())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("renderq/redis: requeue job: %w", err)
	}
	return nil
}

// HeartbeatJob refreshes the lease timestamp for a started job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	key := jobKey(jobID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return renderq.ErrJobNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"worker_id", workerID.String(),
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: heartbeat job: %w", err)
	}
	return nil
}

// ReapStaleJobs returns started jobs whose last heartbeat is older than
// the threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: reap smembers: %w", err)
	}

	var stale []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.State != job.StateStarted {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("renderq/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
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

// ── helpers ──

func (s *Store) writeJob(ctx context.Context, j *job.Job) error {
	_, err := s.client.HSet(ctx, jobKey(j.ID.String()), jobToMap(j)).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: write job: %w", err)
	}
	return nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, renderq.ErrJobNotFound
	}
	return mapToJob(vals)
}

// jobToMap writes every field, empty when unset, so an update overwrites
// stale hash values (HSET cannot delete fields).
func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":           j.ID.String(),
		"queue":        j.Queue,
		"filename":     j.Filename,
		"input_ref":    j.InputRef,
		"result_ref":   j.ResultRef,
		"state":        string(j.State),
		"error_cause":  "",
		"error_detail": "",
		"max_retries":  strconv.Itoa(j.MaxRetries),
		"attempts":     strconv.Itoa(j.Attempts),
		"worker_id":    j.WorkerID.String(),
		"started_at":   "",
		"finished_at":  "",
		"heartbeat_at": "",
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Error != nil {
		m["error_cause"] = j.Error.Cause
		m["error_detail"] = j.Error.Detail
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: parse job id: %w", err)
	}

	maxRetries, _ := strconv.Atoi(m["max_retries"]) //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])      //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: renderq.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         jID,
		Queue:      m["queue"],
		Filename:   m["filename"],
		InputRef:   m["input_ref"],
		ResultRef:  m["result_ref"],
		State:      job.State(m["state"]),
		MaxRetries: maxRetries,
		Attempts:   attempts,
	}

	if cause := m["error_cause"]; cause != "" {
		j.Error = &job.ErrorInfo{Cause: cause, Detail: m["error_detail"]}
	}
	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FinishedAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.HeartbeatAt = &t
	}

	return j, nil
}
