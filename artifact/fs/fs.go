// Package fs implements artifact.Store on a local directory, the layout
// the single-host deployment uses: uploads/ and results/ under one root
// shared by the API and worker processes.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/reelworks/renderq/artifact"
)

var _ artifact.Store = (*Store)(nil)

// Store persists blobs as files under a root directory.
type Store struct {
	root string
}

// New creates the root directory if needed and returns a Store.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact/fs: create root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Put writes the blob to a temp file and renames it into place, so a
// concurrent Get never observes a partial blob.
func (s *Store) Put(ctx context.Context, ref string, data []byte) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("artifact/fs: create dir for %s: %w", ref, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("artifact/fs: temp file for %s: %w", ref, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact/fs: write %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact/fs: close %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact/fs: rename %s: %w", ref, err)
	}
	return nil
}

// Get returns the full blob for the reference.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("artifact/fs: read %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the blob. A missing reference is not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact/fs: delete %s: %w", ref, err)
	}
	return nil
}

// path maps a reference to a file path under root, rejecting traversal.
func (s *Store) path(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("artifact/fs: invalid reference %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}
