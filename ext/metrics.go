package ext

import (
	"context"
	"time"

	"github.com/reelworks/renderq/job"
	"github.com/reelworks/renderq/metrics"
)

// Compile-time interface checks.
var (
	_ Extension    = (*MetricsExtension)(nil)
	_ JobSubmitted = (*MetricsExtension)(nil)
	_ JobStarted   = (*MetricsExtension)(nil)
	_ JobFinished  = (*MetricsExtension)(nil)
	_ JobFailed    = (*MetricsExtension)(nil)
)

// MetricsExtension bridges lifecycle events into the injected counter
// registry. Register it in both the API and worker processes so the
// submission and processing paths feed the same counters.
type MetricsExtension struct {
	registry *metrics.Registry
}

// NewMetricsExtension creates a MetricsExtension over the given registry.
func NewMetricsExtension(r *metrics.Registry) *MetricsExtension {
	return &MetricsExtension{registry: r}
}

// Name implements Extension.
func (m *MetricsExtension) Name() string { return "metrics" }

// OnJobSubmitted implements JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, _ *job.Job) error {
	m.registry.JobSubmitted(ctx)
	return nil
}

// OnJobStarted implements JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, _ *job.Job) error {
	m.registry.JobStarted(ctx)
	return nil
}

// OnJobFinished implements JobFinished.
func (m *MetricsExtension) OnJobFinished(ctx context.Context, _ *job.Job, _ time.Duration) error {
	m.registry.JobFinished(ctx)
	return nil
}

// OnJobFailed implements JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, _ *job.Job, _ error) error {
	m.registry.JobFailed(ctx)
	return nil
}
