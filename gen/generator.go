// Package gen defines the generation collaborator contract. The
// production implementation execs a pipeline binary that monopolizes the
// accelerator; tests substitute a fast fake behind the same interface.
package gen

import "context"

// Params are the fixed generation parameters. They are configuration,
// not per-request inputs, matching the deployment's pipeline tuning.
type Params struct {
	Width           int
	Height          int
	Frames          int
	FPS             int
	DecodeChunkSize int
}

// Generator turns one input image into an encoded video. A call is
// synchronous, slow (seconds to minutes), and not preemptible once the
// pipeline has claimed the accelerator; ctx cancellation is only
// honored between pipeline phases, or by killing the external process.
type Generator interface {
	Generate(ctx context.Context, input []byte, p Params) ([]byte, error)
}
