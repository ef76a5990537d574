// Package metrics holds the process-wide job lifecycle counters. The
// Registry is explicitly injected rather than a package-level global, so
// the submission path and each worker share one instance and tests can
// isolate theirs. Counters are cumulative and monotonic, and are
// mirrored to OTel instruments for deployments with a MeterProvider.
package metrics

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for renderq metrics.
const meterName = "github.com/reelworks/renderq"

// Registry counts job lifecycle events. Safe for concurrent use.
type Registry struct {
	submitted atomic.Int64
	started   atomic.Int64
	finished  atomic.Int64
	failed    atomic.Int64

	otelSubmitted metric.Int64Counter
	otelStarted   metric.Int64Counter
	otelFinished  metric.Int64Counter
	otelFailed    metric.Int64Counter
}

// NewRegistry creates a Registry using the global OTel MeterProvider.
// Without a configured provider the OTel side is a noop and only the
// local counters advance.
func NewRegistry() *Registry {
	return NewRegistryWithMeter(otel.Meter(meterName))
}

// NewRegistryWithMeter creates a Registry with the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func NewRegistryWithMeter(meter metric.Meter) *Registry {
	r := &Registry{}

	// On error the OTel API returns noop instruments, so the registry
	// degrades gracefully.
	r.otelSubmitted, _ = meter.Int64Counter("renderq.jobs.submitted", //nolint:errcheck // noop fallback guaranteed by OTel API contract
		metric.WithDescription("Total jobs accepted by the submission service"),
		metric.WithUnit("{job}"))
	r.otelStarted, _ = meter.Int64Counter("renderq.jobs.started", //nolint:errcheck // noop fallback guaranteed by OTel API contract
		metric.WithDescription("Total jobs claimed by workers"),
		metric.WithUnit("{job}"))
	r.otelFinished, _ = meter.Int64Counter("renderq.jobs.finished", //nolint:errcheck // noop fallback guaranteed by OTel API contract
		metric.WithDescription("Total jobs that produced an artifact"),
		metric.WithUnit("{job}"))
	r.otelFailed, _ = meter.Int64Counter("renderq.jobs.failed", //nolint:errcheck // noop fallback guaranteed by OTel API contract
		metric.WithDescription("Total jobs that failed terminally"),
		metric.WithUnit("{job}"))

	return r
}

// JobSubmitted increments the submitted counter.
func (r *Registry) JobSubmitted(ctx context.Context) {
	r.submitted.Add(1)
	r.otelSubmitted.Add(ctx, 1)
}

// JobStarted increments the started counter.
func (r *Registry) JobStarted(ctx context.Context) {
	r.started.Add(1)
	r.otelStarted.Add(ctx, 1)
}

// JobFinished increments the finished counter.
func (r *Registry) JobFinished(ctx context.Context) {
	r.finished.Add(1)
	r.otelFinished.Add(ctx, 1)
}

// JobFailed increments the failed counter.
func (r *Registry) JobFailed(ctx context.Context) {
	r.failed.Add(1)
	r.otelFailed.Add(ctx, 1)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Submitted int64 `json:"jobs_submitted_total"`
	Started   int64 `json:"jobs_started_total"`
	Finished  int64 `json:"jobs_finished_total"`
	Failed    int64 `json:"jobs_failed_total"`
}

// Snapshot returns the current counter values. Values never reset
// between reads.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		Submitted: r.submitted.Load(),
		Started:   r.started.Load(),
		Finished:  r.finished.Load(),
		Failed:    r.failed.Load(),
	}
}

// WriteText renders the counters in the Prometheus text exposition
// format for pull-based scraping.
func (r *Registry) WriteText(w io.Writer) error {
	s := r.Snapshot()
	rows := []struct {
		name string
		help string
		val  int64
	}{
		{"jobs_submitted_total", "Total jobs accepted by the submission service.", s.Submitted},
		{"jobs_started_total", "Total jobs claimed by workers.", s.Started},
		{"jobs_finished_total", "Total jobs that produced an artifact.", s.Finished},
		{"jobs_failed_total", "Total jobs that failed terminally.", s.Failed},
	}

	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
			row.name, row.help, row.name, row.name, row.val); err != nil {
			return err
		}
	}
	return nil
}
