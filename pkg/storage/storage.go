// Package storage moves trained model bundles between machines. A bundle
// is a gzipped tar of a model directory (the artifact database written at
// training time); the BundleStore interface abstracts where bundles live,
// so training hosts can push to an object store and serving hosts can pull
// from it without caring which backend is configured.
package storage

import (
	"context"
	"io"
)

// BundleStore reads and writes packed model bundles by path. Paths are
// forward-slash separated and relative to the store root, conventionally
// ending in .tar.gz. Implementations must be safe for concurrent use.
type BundleStore interface {
	// Read opens the bundle at path for reading. The caller must close the
	// returned ReadCloser. A missing bundle yields an error satisfying
	// errors.Is(err, fs.ErrNotExist).
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the bundle at path for writing, replacing any existing
	// bundle. The caller must close the returned WriteCloser to complete
	// the transfer; errors from the underlying upload surface at Close.
	Write(ctx context.Context, path string) (io.WriteCloser, error)
}
