package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// fakeModelDir builds a directory shaped like a persisted model: a badger
// manifest, a table file and the key registry.
func fakeModelDir(t *testing.T) (string, map[string]string) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"MANIFEST":    "manifest-bytes",
		"000001.sst":  "sst-bytes",
		"KEYREGISTRY": "registry",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir, files
}

func testBundleRoundTrip(t *testing.T, store BundleStore) {
	t.Helper()
	ctx := context.Background()
	src, files := fakeModelDir(t)

	if err := PushBundle(ctx, store, "models/intent/v1.tar.gz", src); err != nil {
		t.Fatalf("PushBundle: %v", err)
	}
	dst := filepath.Join(t.TempDir(), "restored")
	if err := PullBundle(ctx, store, "models/intent/v1.tar.gz", dst); err != nil {
		t.Fatalf("PullBundle: %v", err)
	}
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != content {
			t.Fatalf("%s = %q, want %q", name, got, content)
		}
	}
}

func TestBundleRoundTripLocal(t *testing.T) {
	testBundleRoundTrip(t, newTestLocal(t))
}

func TestBundleRoundTripS3(t *testing.T) {
	store, _ := newTestS3(t)
	testBundleRoundTrip(t, store)
}

func TestPullBundleMissing(t *testing.T) {
	ctx := context.Background()
	err := PullBundle(ctx, newTestLocal(t), "models/none.tar.gz", t.TempDir())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("got %v, want fs.ErrNotExist", err)
	}
}
