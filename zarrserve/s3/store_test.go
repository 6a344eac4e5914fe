package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/parquet-go/parquet-go"

	"github.com/justapithecus/zarrserve/zarrserve"
)

// -----------------------------------------------------------------------------
// Mock client
// -----------------------------------------------------------------------------

// mockClient is an in-memory API implementation.
type mockClient struct {
	mu      sync.RWMutex
	objects map[string][]byte

	GetObjectCalls int
	getContexts    []context.Context
}

func newMockClient() *mockClient {
	return &mockClient{objects: make(map[string][]byte)}
}

func (m *mockClient) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if aws.ToString(params.IfNoneMatch) == "*" {
		if _, exists := m.objects[key]; exists {
			return nil, &smithyAPIError{code: "PreconditionFailed", message: "object already exists"}
		}
	}
	m.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockClient) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.GetObjectCalls++
	m.getContexts = append(m.getContexts, ctx)
	data, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NoSuchKey{}
	}

	if params.Range != nil {
		var start, end int64
		_, _ = fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end)
		if start >= int64(len(data)) {
			return nil, &smithyAPIError{code: "InvalidRange"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockClient) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.RLock()
	data, exists := m.objects[aws.ToString(params.Key)]
	m.mu.RUnlock()

	if !exists {
		return nil, &smithyAPIError{code: "NotFound"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string                 { return e.code + ": " + e.message }
func (e *smithyAPIError) ErrorCode() string             { return e.code }
func (e *smithyAPIError) ErrorMessage() string          { return e.message }
func (e *smithyAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, Config{Bucket: "test"}); err == nil {
		t.Error("expected error for nil client")
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(newMockClient(), Config{}); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestNew_PrefixNormalization(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "a/0"},
		{"data", "data/a/0"},
		{"data/", "data/a/0"},
	}
	for _, tt := range tests {
		mock := newMockClient()
		store, err := New(mock, Config{Bucket: "test", Prefix: tt.prefix})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Put(t.Context(), "a/0", bytes.NewReader([]byte("x"))); err != nil {
			t.Fatal(err)
		}
		if _, ok := mock.objects[tt.want]; !ok {
			t.Errorf("prefix %q: expected object at %q, have %v", tt.prefix, tt.want, mock.objects)
		}
	}
}

// -----------------------------------------------------------------------------
// Objects
// -----------------------------------------------------------------------------

func TestStore_PutGet(t *testing.T) {
	ctx := t.Context()
	store, _ := New(newMockClient(), Config{Bucket: "test"})

	if err := store.Put(ctx, "x/0", bytes.NewReader([]byte("chunk"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rc, err := store.Get(ctx, "x/0")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "chunk" {
		t.Errorf("got %q, want %q", got, "chunk")
	}
}

func TestStore_Put_ErrPathExists(t *testing.T) {
	ctx := t.Context()
	store, _ := New(newMockClient(), Config{Bucket: "test"})

	if err := store.Put(ctx, "x/0", bytes.NewReader([]byte("first"))); err != nil {
		t.Fatal(err)
	}
	err := store.Put(ctx, "x/0", bytes.NewReader([]byte("second")))
	if !errors.Is(err, zarrserve.ErrPathExists) {
		t.Errorf("expected ErrPathExists, got %v", err)
	}
}

func TestStore_ErrNotFound(t *testing.T) {
	ctx := t.Context()
	store, _ := New(newMockClient(), Config{Bucket: "test"})

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, zarrserve.ErrNotFound) {
		t.Errorf("Get: expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.ReaderAt(ctx, "missing"); !errors.Is(err, zarrserve.ErrNotFound) {
		t.Errorf("ReaderAt: expected ErrNotFound, got %v", err)
	}
}

func TestStore_ErrInvalidPath(t *testing.T) {
	ctx := t.Context()
	store, _ := New(newMockClient(), Config{Bucket: "test"})

	for _, key := range []string{"", "..", "../escape", "a/../../b", "/"} {
		if err := store.Put(ctx, key, bytes.NewReader(nil)); !errors.Is(err, zarrserve.ErrInvalidPath) {
			t.Errorf("Put(%q): expected ErrInvalidPath, got %v", key, err)
		}
		if _, err := store.Get(ctx, key); !errors.Is(err, zarrserve.ErrInvalidPath) {
			t.Errorf("Get(%q): expected ErrInvalidPath, got %v", key, err)
		}
	}
}

func TestStore_ReaderAt(t *testing.T) {
	ctx := t.Context()
	store, _ := New(newMockClient(), Config{Bucket: "test"})
	if err := store.Put(ctx, "data.bin", bytes.NewReader([]byte("hello world"))); err != nil {
		t.Fatal(err)
	}

	ra, size, err := store.ReaderAt(ctx, "data.bin")
	if err != nil {
		t.Fatalf("ReaderAt failed: %v", err)
	}
	if size != 11 {
		t.Errorf("size: got %d, want 11", size)
	}

	buf := make([]byte, 5)
	n, err := ra.ReadAt(buf, 6)
	if err != nil || n != 5 || string(buf) != "world" {
		t.Errorf("ReadAt(6): got %q, %d, %v", buf[:n], n, err)
	}

	// Reading past the end returns what is available and io.EOF.
	buf = make([]byte, 8)
	n, err = ra.ReadAt(buf, 8)
	if !errors.Is(err, io.EOF) || string(buf[:n]) != "rld" {
		t.Errorf("ReadAt(8): got %q, %v", buf[:n], err)
	}

	if _, err := ra.ReadAt(buf, 20); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past end: expected io.EOF, got %v", err)
	}
	if _, err := ra.ReadAt(buf, -1); err == nil {
		t.Error("expected error for negative offset")
	}
}

// -----------------------------------------------------------------------------
// Datasets
// -----------------------------------------------------------------------------

type point struct {
	X int32   `parquet:"x"`
	Y float64 `parquet:"y"`
}

func TestStore_ServesParquetDataset(t *testing.T) {
	ctx := t.Context()
	mock := newMockClient()
	store, _ := New(mock, Config{Bucket: "test", Prefix: "datasets"})

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[point](&buf)
	if _, err := w.Write([]point{{1, 0.5}, {2, 1.5}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]point{{3, 2.5}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "points.parquet", &buf); err != nil {
		t.Fatal(err)
	}

	ds, err := zarrserve.OpenParquetStore(ctx, store, "points.parquet")
	if err != nil {
		t.Fatalf("OpenParquetStore failed: %v", err)
	}
	v, ok := ds.Variable("x")
	if !ok {
		t.Fatal("missing variable x")
	}

	block, err := zarrserve.Extract(ctx, v, []int{1}, []int{2})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	vals, err := zarrserve.Values[int32](block)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != 3 {
		t.Errorf("got %v, want [3 ...]", vals)
	}
	if mock.GetObjectCalls == 0 {
		t.Error("expected ranged reads against the object store")
	}
}

type requestKey struct{}

func TestStore_ChunkReadsUseRequestContext(t *testing.T) {
	mock := newMockClient()
	store, _ := New(mock, Config{Bucket: "test"})

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[point](&buf)
	for _, batch := range [][]point{{{1, 0.5}, {2, 1.5}}, {{3, 2.5}, {4, 3.5}}} {
		if _, err := w.Write(batch); err != nil {
			t.Fatal(err)
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(t.Context(), "points.parquet", &buf); err != nil {
		t.Fatal(err)
	}

	ds, err := zarrserve.OpenParquetStore(t.Context(), store, "points.parquet")
	if err != nil {
		t.Fatalf("OpenParquetStore failed: %v", err)
	}
	v, _ := ds.Variable("y")

	mock.mu.Lock()
	opened := len(mock.getContexts)
	mock.mu.Unlock()

	ctx := context.WithValue(t.Context(), requestKey{}, "y/1")
	block, err := zarrserve.Extract(ctx, v, []int{1}, []int{2})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	vals, err := zarrserve.Values[float64](block)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{2.5, 3.5}, vals); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	mock.mu.Lock()
	reads := mock.getContexts[opened:]
	mock.mu.Unlock()
	if len(reads) == 0 {
		t.Fatal("expected ranged reads for the chunk")
	}
	for i, rctx := range reads {
		if got := rctx.Value(requestKey{}); got != "y/1" {
			t.Errorf("read %d: got context value %v, want %q", i, got, "y/1")
		}
	}
}
