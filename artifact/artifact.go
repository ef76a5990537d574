// Package artifact defines the blob store contract for job inputs and
// results. Job records hold opaque references (keys) into this store; the
// fs and s3 subpackages provide the backends.
package artifact

import (
	"context"
	"errors"
	"path"

	"github.com/reelworks/renderq/id"
)

// ErrNotFound is returned when no blob exists for a reference.
var ErrNotFound = errors.New("artifact: not found")

// Store persists opaque blobs under string references.
type Store interface {
	// Put stores data under the given reference, overwriting any previous
	// blob. Readers never observe a partial blob.
	Put(ctx context.Context, ref string, data []byte) error

	// Get returns the full blob for the reference, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Delete removes the blob. Deleting a missing reference is not an
	// error.
	Delete(ctx context.Context, ref string) error
}

// InputRef builds the reference for a job's submitted image. The original
// filename is kept in the reference for operator visibility.
func InputRef(jobID id.JobID, filename string) string {
	name := path.Base(filename)
	if name == "." || name == "/" || name == "" {
		name = "input"
	}
	return "uploads/" + jobID.String() + "_" + name
}

// ResultRef builds the reference for a job's produced video.
func ResultRef(jobID id.JobID) string {
	return "results/" + jobID.String() + ".mp4"
}
