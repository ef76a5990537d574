// Package redis implements the broker store on Redis. Job records are
// stored as Hashes, the dispatch queue is a List (LPUSH producer side,
// BRPOP consumer side) so dequeue is a true blocking wait with an atomic
// pop; each queued reference is delivered to at most one worker.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/reelworks/renderq"
	"github.com/reelworks/renderq/job"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ renderq.Storer = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements job.Store backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", renderq.ErrStoreUnavailable, err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }
