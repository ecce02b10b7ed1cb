// Package artifact stores the persisted pieces of a trained model as named
// binary blobs. A model directory is a small key-value database holding one
// entry per artifact (configuration, weights, label table, thresholds and
// so on), written atomically as a batch so a crash never leaves a partial
// model behind.
//
// The package ships a BadgerDB-backed store for on-disk models and an
// in-memory implementation for tests.
package artifact

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when an artifact does not exist in the store.
	ErrNotFound = errors.New("artifact: not found")

	// ErrPathNotFound is returned when the model directory itself does not
	// exist. Callers distinguish "no model was ever saved here" from a
	// corrupt or partially written model through this error.
	ErrPathNotFound = errors.New("artifact: path not found")
)

// Store is a flat name-to-blob store for model artifacts.
type Store interface {
	// Get retrieves an artifact. Returns ErrNotFound if not present.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put stores an artifact, overwriting any existing blob.
	Put(ctx context.Context, name string, blob []byte) error

	// PutAll atomically stores several artifacts.
	PutAll(ctx context.Context, blobs map[string][]byte) error

	// Delete removes an artifact. No error if it does not exist.
	Delete(ctx context.Context, name string) error

	// Names lists the stored artifact names in lexicographic order.
	Names(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
