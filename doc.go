// Package renderq is the orchestration core of an asynchronous
// image-to-video generation service. It accepts a generation request,
// durably queues it in a shared broker store, dispatches it to exactly
// one worker, tracks the job through a monotonic state machine, and
// makes the finished artifact retrievable on demand.
//
// The generation step itself is an external collaborator behind the
// gen.Generator interface; renderq owns everything around it: the job
// record, the FIFO dispatch queue, the worker loop, the status/result
// queries, and the lifecycle metrics.
//
// # Architecture
//
// Two processes share one broker store (Redis in production, an
// in-memory store for tests):
//
//	cmd/renderq-api     accepts uploads, enqueues jobs, answers
//	                    status/result/health/metrics queries
//	cmd/renderq-worker  block-waits on the queue, runs the generator,
//	                    persists the artifact, writes the terminal state
//
// The broker store is the sole source of truth. Every status or result
// read goes to the store; no process caches job records.
//
// All entity IDs are TypeIDs: type-prefixed, K-sortable, URL-safe.
package renderq
