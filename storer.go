package renderq

import "context"

// Storer is the minimal lifecycle interface of a broker store backend.
// Subsystem contracts (job.Store) are defined in their own packages;
// backends implement both.
type Storer interface {
	// Ping verifies connectivity to the store. The health endpoint
	// reports unhealthy when this fails.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close(ctx context.Context) error
}
