package zarrserve

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func storeFactories(t *testing.T) map[string]StoreFactory {
	return map[string]StoreFactory{
		"fs":     NewFSFactory(t.TempDir()),
		"memory": NewMemoryFactory(),
	}
}

// -----------------------------------------------------------------------------
// Object storage
// -----------------------------------------------------------------------------

func TestStore_PutGet(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			store, err := factory()
			if err != nil {
				t.Fatal(err)
			}

			if err := store.Put(ctx, "a/b/c", bytes.NewReader([]byte("hello"))); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			rc, err := store.Get(ctx, "a/b/c")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			defer rc.Close()
			got, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "hello" {
				t.Errorf("got %q, want %q", got, "hello")
			}
		})
	}
}

func TestStore_PutErrPathExists(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			store, err := factory()
			if err != nil {
				t.Fatal(err)
			}
			if err := store.Put(ctx, "x/0", bytes.NewReader([]byte("first"))); err != nil {
				t.Fatal(err)
			}
			err = store.Put(ctx, "x/0", bytes.NewReader([]byte("second")))
			if !errors.Is(err, ErrPathExists) {
				t.Errorf("expected ErrPathExists, got %v", err)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store, err := factory()
			if err != nil {
				t.Fatal(err)
			}
			if _, err := store.Get(t.Context(), "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get: expected ErrNotFound, got %v", err)
			}
			if _, _, err := store.ReaderAt(t.Context(), "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("ReaderAt: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ReaderAt(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			store, err := factory()
			if err != nil {
				t.Fatal(err)
			}
			if err := store.Put(ctx, "data.bin", bytes.NewReader([]byte("hello world"))); err != nil {
				t.Fatal(err)
			}

			ra, size, err := store.ReaderAt(ctx, "data.bin")
			if err != nil {
				t.Fatalf("ReaderAt failed: %v", err)
			}
			if c, ok := ra.(io.Closer); ok {
				defer c.Close()
			}
			if size != 11 {
				t.Errorf("size: got %d, want 11", size)
			}

			buf := make([]byte, 5)
			if _, err := ra.ReadAt(buf, 6); err != nil {
				t.Fatalf("ReadAt failed: %v", err)
			}
			if string(buf) != "world" {
				t.Errorf("got %q, want %q", buf, "world")
			}
		})
	}
}

func TestStore_InvalidPath(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store, err := factory()
			if err != nil {
				t.Fatal(err)
			}
			for _, p := range []string{"../escape", "a/../../b", ""} {
				err := store.Put(t.Context(), p, bytes.NewReader(nil))
				if !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Put(%q): expected ErrInvalidPath, got %v", p, err)
				}
			}
		})
	}
}

func TestNewFS_RequiresDirectory(t *testing.T) {
	if _, err := NewFS(t.TempDir() + "/missing"); err == nil {
		t.Error("expected error for missing root")
	}
}

// -----------------------------------------------------------------------------
// Stored blocks
// -----------------------------------------------------------------------------

func TestStoreSource_MatchesRechunk(t *testing.T) {
	ctx := t.Context()
	values := make([]int32, 5*7)
	for i := range values {
		values[i] = int32(i * 3)
	}
	src, err := Rechunk(mustBlock(t, []int{5, 7}, values), []int{2, 3})
	if err != nil {
		t.Fatal(err)
	}

	store := NewMemory()
	if err := WriteBlocks(ctx, store, "grid/v/", src); err != nil {
		t.Fatalf("WriteBlocks failed: %v", err)
	}
	stored, err := NewStoreSource(store, "grid/v", Int32, []int{5, 7}, []int{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(src.Chunks(), stored.Chunks()); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}

	direct := &Variable{Name: "v", Dims: []string{"y", "x"}, DType: Int32, Data: src}
	viaStore := &Variable{Name: "v", Dims: []string{"y", "x"}, DType: Int32, Data: stored}
	for _, coord := range [][]int{{0, 0}, {1, 2}, {2, 2}, {2, 0}} {
		want, err := Extract(ctx, direct, coord, []int{2, 3})
		if err != nil {
			t.Fatal(err)
		}
		got, err := Extract(ctx, viaStore, coord, []int{2, 3})
		if err != nil {
			t.Fatalf("coord %v: %v", coord, err)
		}
		if !bytes.Equal(want.Data, got.Data) {
			t.Errorf("coord %v: stored block differs", coord)
		}
	}
}

func TestStoreSource_Scalar(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	scalar := mustBlock(t, []int{}, []float64{4.25})
	src, err := Rechunk(scalar, []int{})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteBlocks(ctx, store, "s", src); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "s/0"); err != nil {
		t.Errorf("expected scalar block at s/0: %v", err)
	}
}

func TestStoreSource_MissingBlock(t *testing.T) {
	stored, err := NewStoreSource(NewMemory(), "empty", Float64, []int{4}, []int{2})
	if err != nil {
		t.Fatal(err)
	}
	v := &Variable{Name: "v", Dims: []string{"n"}, DType: Float64, Data: stored}

	_, err = Extract(t.Context(), v, []int{1}, []int{2})
	if !errors.Is(err, ErrCompute) || !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrCompute wrapping ErrNotFound, got %v", err)
	}
}
