package zarrserve

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/parquet-go/parquet-go"
)

type sensorRow struct {
	ID    int64    `parquet:"id"`
	Temp  *float64 `parquet:"temp,optional"`
	Count int32    `parquet:"count"`
	OK    bool     `parquet:"ok"`
	Label string   `parquet:"label"`
	Ratio float32  `parquet:"ratio"`
}

func sensorRows(n int) []sensorRow {
	rows := make([]sensorRow, n)
	for i := range rows {
		rows[i] = sensorRow{
			ID:    int64(i),
			Count: int32(i * 10),
			OK:    i%2 == 0,
			Label: "row",
			Ratio: float32(i) / 2,
		}
		if i != 3 {
			temp := 20 + float64(i)
			rows[i].Temp = &temp
		}
	}
	return rows
}

// writeParquet writes rows with one row group per entry in groups.
func writeParquet(t *testing.T, rows []sensorRow, groups ...int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[sensorRow](&buf)
	off := 0
	for _, n := range groups {
		if _, err := w.Write(rows[off : off+n]); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		off += n
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return buf.Bytes()
}

func openParquetBytes(t *testing.T, data []byte, opts ...ParquetOption) *Dataset {
	t.Helper()
	ds, err := OpenParquet(bytes.NewReader(data), int64(len(data)), opts...)
	if err != nil {
		t.Fatalf("OpenParquet failed: %v", err)
	}
	return ds
}

func TestOpenParquet_Variables(t *testing.T) {
	ds := openParquetBytes(t, writeParquet(t, sensorRows(10), 4, 4, 2))

	var names []string
	for _, v := range ds.Variables() {
		names = append(names, v.Name)
		if diff := cmp.Diff([]string{DefaultParquetDimension}, v.Dims); diff != "" {
			t.Errorf("%s dims mismatch (-want +got):\n%s", v.Name, diff)
		}
	}
	if _, ok := ds.Variable("label"); ok {
		t.Error("string column should be skipped")
	}
	if len(names) != 5 {
		t.Errorf("expected 5 variables, got %v", names)
	}
	if diff := cmp.Diff(map[string]int{DefaultParquetDimension: 10}, ds.Dims()); diff != "" {
		t.Errorf("dims mismatch (-want +got):\n%s", diff)
	}

	want := map[string]DType{"id": Int64, "temp": Float64, "count": Int32, "ok": Bool, "ratio": Float32}
	for name, dt := range want {
		v, ok := ds.Variable(name)
		if !ok {
			t.Errorf("missing variable %q", name)
			continue
		}
		if v.DType != dt {
			t.Errorf("%s: dtype got %s, want %s", name, v.DType, dt)
		}
	}

	temp, _ := ds.Variable("temp")
	fill, ok := temp.Attrs[FillValueAttr].Float()
	if !ok || !math.IsNaN(fill) {
		t.Errorf("optional float column should default to NaN fill, got %v", temp.Attrs[FillValueAttr])
	}
}

func TestOpenParquet_RowGroupsAreChunks(t *testing.T) {
	ctx := t.Context()
	ds := openParquetBytes(t, writeParquet(t, sensorRows(10), 4, 4, 2))

	id, _ := ds.Variable("id")
	src, ok := id.Data.(ChunkedSource)
	if !ok {
		t.Fatalf("expected lazy source, got %T", id.Data)
	}
	if diff := cmp.Diff([][]int{{4, 4, 2}}, src.Chunks()); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}

	meta, err := Assemble(ds)
	if err != nil {
		t.Fatal(err)
	}
	array, _ := meta.ArrayMeta("id")
	if diff := cmp.Diff([]int{4}, array.Chunks); diff != "" {
		t.Errorf("array chunks mismatch (-want +got):\n%s", diff)
	}

	block, err := Extract(ctx, id, []int{2}, array.Chunks)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	vals, err := Values[int64](block)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != 8 || vals[1] != 9 {
		t.Errorf("got %v, want [8 9 ...]", vals)
	}

	temp, _ := ds.Variable("temp")
	block, err = Extract(ctx, temp, []int{0}, []int{4})
	if err != nil {
		t.Fatal(err)
	}
	temps, err := Values[float64](block)
	if err != nil {
		t.Fatal(err)
	}
	if temps[0] != 20 || !math.IsNaN(temps[3]) {
		t.Errorf("expected null row to read as NaN, got %v", temps)
	}

	ok2, _ := ds.Variable("ok")
	block, err = Extract(ctx, ok2, []int{1}, []int{4})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 0, 1, 0}, block.Data); diff != "" {
		t.Errorf("bool bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenParquet_LazyMatchesDense(t *testing.T) {
	ctx := t.Context()
	rows := sensorRows(10)
	lazy := openParquetBytes(t, writeParquet(t, rows, 4, 4, 2))
	dense := openParquetBytes(t, writeParquet(t, rows, 3, 5, 2))

	for _, name := range []string{"id", "count", "ratio"} {
		lv, _ := lazy.Variable(name)
		dv, _ := dense.Variable(name)
		if _, ok := dv.Data.(*Block); !ok {
			t.Fatalf("%s: irregular row groups should load densely, got %T", name, dv.Data)
		}

		var got []byte
		for i := range 3 {
			b, err := Extract(ctx, lv, []int{i}, []int{4})
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, b.Data...)
		}
		want := dv.Data.(*Block).Data
		if !bytes.Equal(want, got[:len(want)]) {
			t.Errorf("%s: lazy chunks differ from dense column", name)
		}
	}
}

type readKey struct{}

// contextReader records the context of every range read.
type contextReader struct {
	*bytes.Reader

	mu   sync.Mutex
	seen []any
}

func (r *contextReader) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	r.mu.Lock()
	r.seen = append(r.seen, ctx.Value(readKey{}))
	r.mu.Unlock()
	return r.ReadAt(p, off)
}

func TestOpenParquet_ReadsUnderCallerContext(t *testing.T) {
	data := writeParquet(t, sensorRows(10), 4, 4, 2)
	r := &contextReader{Reader: bytes.NewReader(data)}
	ds, err := OpenParquet(r, int64(len(data)))
	if err != nil {
		t.Fatalf("OpenParquet failed: %v", err)
	}
	want := openParquetBytes(t, data)

	id, _ := ds.Variable("id")
	ctx := context.WithValue(t.Context(), readKey{}, "chunk 1")
	got, err := Extract(ctx, id, []int{1}, []int{4})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	r.mu.Lock()
	seen := r.seen
	r.mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("expected range reads through ReadAtContext")
	}
	for i, v := range seen {
		if v != "chunk 1" {
			t.Errorf("read %d: got context value %v, want %q", i, v, "chunk 1")
		}
	}

	wid, _ := want.Variable("id")
	wb, err := Extract(t.Context(), wid, []int{1}, []int{4})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wb.Data, got.Data); diff != "" {
		t.Errorf("chunk bytes mismatch (-want +got):\n%s", diff)
	}

	canceled, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := id.Data.(ChunkedSource).Materialize(canceled, []int{0}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOpenParquet_Options(t *testing.T) {
	zl, err := NewZlib(3)
	if err != nil {
		t.Fatal(err)
	}
	ds := openParquetBytes(t, writeParquet(t, sensorRows(4), 4),
		WithDimension("time"),
		WithGlobalAttrs(Attrs{"source": StringValue("sensors")}),
		WithColumnEncoding("count", Encoding{Compressor: zl}),
		WithColumnAttrs("temp", Attrs{"units": StringValue("degC"), FillValueAttr: FloatValue(-1)}),
	)

	if diff := cmp.Diff(map[string]int{"time": 4}, ds.Dims()); diff != "" {
		t.Errorf("dims mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Attrs{"source": StringValue("sensors")}, ds.Attrs()); diff != "" {
		t.Errorf("attrs mismatch (-want +got):\n%s", diff)
	}

	count, _ := ds.Variable("count")
	if count.Encoding.Compressor == nil || count.Encoding.Compressor.ID() != "zlib" {
		t.Errorf("expected zlib compressor on count, got %v", count.Encoding.Compressor)
	}

	temp, _ := ds.Variable("temp")
	if f, _ := temp.Attrs[FillValueAttr].Float(); f != -1 {
		t.Errorf("declared fill value overridden: got %v", temp.Attrs[FillValueAttr])
	}
	if s, _ := temp.Attrs["units"].Text(); s != "degC" {
		t.Errorf("units: got %q", s)
	}
}

func TestOpenParquetStore(t *testing.T) {
	ctx := t.Context()
	store := NewMemory()
	if err := store.Put(ctx, "data/sensors.parquet", bytes.NewReader(writeParquet(t, sensorRows(6), 3, 3))); err != nil {
		t.Fatal(err)
	}

	ds, err := OpenParquetStore(ctx, store, "data/sensors.parquet")
	if err != nil {
		t.Fatalf("OpenParquetStore failed: %v", err)
	}
	svc := NewService(ds, NewCache(1<<20))
	if _, err := svc.Key(ctx, "id", "1"); err != nil {
		t.Errorf("Key failed: %v", err)
	}

	if _, err := OpenParquetStore(ctx, store, "missing.parquet"); err == nil {
		t.Error("expected error for missing file")
	}
}
