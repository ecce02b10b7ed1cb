package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// writeBundle stores blob under path and fails the test on any error.
func writeBundle(t *testing.T, s BundleStore, path string, blob []byte) {
	t.Helper()
	ctx := context.Background()
	w, err := s.Write(ctx, path)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if _, err := w.Write(blob); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func readBundle(t *testing.T, s BundleStore, path string) []byte {
	t.Helper()
	r, err := s.Read(context.Background(), path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	defer r.Close()
	blob, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return blob
}

func TestLocalBundleRoundTrip(t *testing.T) {
	s := newTestLocal(t)
	blob := []byte("bundle-bytes")
	// Nested path: parent directories are created on demand.
	writeBundle(t, s, "models/intent/v1.tar.gz", blob)
	if got := readBundle(t, s, "models/intent/v1.tar.gz"); string(got) != string(blob) {
		t.Fatalf("got %q, want %q", got, blob)
	}
}

func TestLocalReadMissingBundle(t *testing.T) {
	s := newTestLocal(t)
	_, err := s.Read(context.Background(), "models/none.tar.gz")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("got %v, want fs.ErrNotExist", err)
	}
}

func TestLocalWriteReplacesBundle(t *testing.T) {
	s := newTestLocal(t)
	writeBundle(t, s, "m.tar.gz", []byte("a much longer first version"))
	writeBundle(t, s, "m.tar.gz", []byte("v2"))
	if got := readBundle(t, s, "m.tar.gz"); string(got) != "v2" {
		t.Fatalf("stale bundle content %q", got)
	}
}
