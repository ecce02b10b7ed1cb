package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3APIError satisfies smithy.APIError with a fixed code.
type s3APIError struct{ code string }

func (e *s3APIError) Error() string                 { return e.code }
func (e *s3APIError) ErrorCode() string             { return e.code }
func (e *s3APIError) ErrorMessage() string          { return e.code }
func (e *s3APIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var errNoSuchKey = &s3APIError{code: "NoSuchKey"}

// mockS3 is an in-memory S3Client recording uploaded bundles.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string

	getErr error
	putErr error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.objects[*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(blob))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	blob, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = blob
	if in.ContentType != nil {
		m.types[*in.Key] = *in.ContentType
	}
	return &s3.PutObjectOutput{}, nil
}

func newTestS3(t *testing.T) (*S3Store, *mockS3) {
	t.Helper()
	mock := newMockS3()
	return NewS3(mock, "models", ""), mock
}

func TestS3BundleRoundTrip(t *testing.T) {
	store, mock := newTestS3(t)
	blob := []byte("gzipped tar bytes")
	writeBundle(t, store, "intent/v3.tar.gz", blob)
	if got := readBundle(t, store, "intent/v3.tar.gz"); string(got) != string(blob) {
		t.Fatalf("got %q, want %q", got, blob)
	}
	if ct := mock.types["intent/v3.tar.gz"]; ct != bundleContentType {
		t.Fatalf("uploaded with content type %q, want %q", ct, bundleContentType)
	}
}

func TestS3ReadMissingBundle(t *testing.T) {
	store, _ := newTestS3(t)
	_, err := store.Read(context.Background(), "intent/none.tar.gz")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("got %v, want fs.ErrNotExist", err)
	}
}

func TestS3ReadOtherErrorPassesThrough(t *testing.T) {
	store, mock := newTestS3(t)
	mock.getErr = errors.New("network timeout")
	_, err := store.Read(context.Background(), "intent/v1.tar.gz")
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("generic error mapped wrongly: %v", err)
	}
}

func TestS3UploadErrorSurfacesAtClose(t *testing.T) {
	store, mock := newTestS3(t)
	mock.putErr = errors.New("access denied")
	w, err := store.Write(context.Background(), "intent/v1.tar.gz")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Write([]byte("partial")) // may fail once the pipe is closed, Close must still report
	if err := w.Close(); err == nil {
		t.Fatal("upload failure not reported at Close")
	}
}

func TestS3KeyPrefix(t *testing.T) {
	mock := newMockS3()
	store := NewS3(mock, "models", "team/dialog")
	writeBundle(t, store, "intent/v1.tar.gz", []byte("x"))
	if _, ok := mock.objects["team/dialog/intent/v1.tar.gz"]; !ok {
		t.Fatalf("prefixed key missing, stored keys: %v", keysOf(mock.objects))
	}
	if got := readBundle(t, store, "intent/v1.tar.gz"); string(got) != "x" {
		t.Fatalf("read through prefix got %q", got)
	}
}

func TestS3WriteReplacesBundle(t *testing.T) {
	store, _ := newTestS3(t)
	writeBundle(t, store, "m.tar.gz", []byte("a much longer first version"))
	writeBundle(t, store, "m.tar.gz", []byte("v2"))
	if got := readBundle(t, store, "m.tar.gz"); string(got) != "v2" {
		t.Fatalf("stale bundle content %q", got)
	}
}

func TestIsS3NotFound(t *testing.T) {
	if !isS3NotFound(errNoSuchKey) {
		t.Error("NoSuchKey not recognized")
	}
	if !isS3NotFound(&s3APIError{code: "NotFound"}) {
		t.Error("NotFound not recognized")
	}
	if isS3NotFound(&s3APIError{code: "AccessDenied"}) {
		t.Error("AccessDenied treated as not found")
	}
	if isS3NotFound(errors.New("plain")) {
		t.Error("plain error treated as not found")
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
