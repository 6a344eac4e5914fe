package zarrserve

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/parquet-go/parquet-go"
)

// DefaultParquetDimension names the row dimension of datasets opened from
// Parquet files.
const DefaultParquetDimension = "index"

// ParquetOption configures OpenParquet.
type ParquetOption func(*parquetOptions)

type parquetOptions struct {
	dim       string
	attrs     Attrs
	encodings map[string]Encoding
	columns   map[string]Attrs
}

// WithDimension names the row dimension.
func WithDimension(name string) ParquetOption {
	return func(o *parquetOptions) {
		o.dim = name
	}
}

// WithGlobalAttrs sets the dataset's global attributes.
func WithGlobalAttrs(attrs Attrs) ParquetOption {
	return func(o *parquetOptions) {
		o.attrs = attrs
	}
}

// WithColumnEncoding sets the encoding of the variable built from column.
func WithColumnEncoding(column string, enc Encoding) ParquetOption {
	return func(o *parquetOptions) {
		o.encodings[column] = enc
	}
}

// WithColumnAttrs sets the attributes of the variable built from column.
func WithColumnAttrs(column string, attrs Attrs) ParquetOption {
	return func(o *parquetOptions) {
		o.columns[column] = attrs
	}
}

// OpenParquet builds a dataset from a Parquet file. Every top-level column of
// a boolean, 32/64-bit integer, or float physical type becomes a 1-D variable
// over the row dimension; other columns are skipped.
//
// When all row groups but the last hold the same number of rows, each row
// group is served as one lazily read chunk. Otherwise columns are loaded
// densely. Null values are stored as NaN in float columns and zero
// elsewhere.
func OpenParquet(r io.ReaderAt, size int64, opts ...ParquetOption) (*Dataset, error) {
	o := &parquetOptions{
		dim:       DefaultParquetDimension,
		encodings: map[string]Encoding{},
		columns:   map[string]Attrs{},
	}
	for _, opt := range opts {
		opt(o)
	}

	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("zarrserve: open parquet: %w", err)
	}
	src := &parquetFile{file: file, size: size}
	if cr, ok := r.(ContextReaderAt); ok {
		tail, err := readFooter(r, size)
		if err != nil {
			return nil, fmt.Errorf("zarrserve: open parquet: %w", err)
		}
		src.remote, src.tail = cr, tail
	}

	rows := int(file.NumRows())
	groups := file.RowGroups()
	sizes := make([]int, len(groups))
	for i, rg := range groups {
		sizes[i] = int(rg.NumRows())
	}
	regular := regularSizes(sizes)

	var vars []*Variable
	leaf := 0
	for _, field := range file.Schema().Fields() {
		column := leaf
		leaf += countLeaves(field)

		dt, ok := parquetDType(field)
		if !ok {
			continue
		}

		attrs := o.columns[field.Name()].Clone()
		if field.Optional() && dt.Kind == KindFloat {
			if _, declared := attrs[FillValueAttr]; !declared {
				attrs[FillValueAttr] = FloatValue(math.NaN())
			}
		}

		col := &parquetColumn{src: src, name: field.Name(), index: column, dtype: dt, sizes: sizes}

		var data Source
		if regular {
			data = col
		} else {
			b, err := col.readAll(context.Background(), rows)
			if err != nil {
				return nil, err
			}
			data = b
		}

		vars = append(vars, &Variable{
			Name:     field.Name(),
			Dims:     []string{o.dim},
			DType:    dt,
			Attrs:    attrs,
			Encoding: o.encodings[field.Name()],
			Data:     data,
		})
	}

	return NewDataset(vars, o.attrs)
}

// OpenParquetStore opens the Parquet file at path in store.
func OpenParquetStore(ctx context.Context, store Store, path string, opts ...ParquetOption) (*Dataset, error) {
	r, size, err := store.ReaderAt(ctx, path)
	if err != nil {
		return nil, err
	}
	return OpenParquet(r, size, opts...)
}

// parquetFile is an opened Parquet file. When the underlying reader is a
// ContextReaderAt, the file is reopened per read so that range reads run
// under the reading context, with the footer served from memory.
type parquetFile struct {
	file   *parquet.File
	size   int64
	remote ContextReaderAt
	tail   []byte
}

func (f *parquetFile) open(ctx context.Context) (*parquet.File, error) {
	if f.remote == nil {
		return f.file, nil
	}
	r := &boundReader{ctx: ctx, r: f.remote, tail: f.tail, tailOff: f.size - int64(len(f.tail))}
	return parquet.OpenFile(r, f.size,
		parquet.SkipMagicBytes(true),
		parquet.SkipPageIndex(true),
		parquet.SkipBloomFilters(true),
	)
}

// readFooter returns the trailing footer section of a Parquet file: the
// encoded metadata, its length and the magic bytes.
func readFooter(r io.ReaderAt, size int64) ([]byte, error) {
	if size < 8 {
		return nil, errors.New("file too small")
	}
	var trailer [8]byte
	if _, err := readFull(r, trailer[:], size-8); err != nil {
		return nil, fmt.Errorf("read footer length: %w", err)
	}
	n := int64(binary.LittleEndian.Uint32(trailer[:4])) + 8
	if n > size {
		return nil, fmt.Errorf("footer length %d exceeds file size %d", n, size)
	}
	tail := make([]byte, n)
	if _, err := readFull(r, tail, size-n); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	return tail, nil
}

func readFull(r io.ReaderAt, p []byte, off int64) (int, error) {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	return n, err
}

// boundReader binds range reads to ctx and answers footer reads from tail.
type boundReader struct {
	ctx     context.Context
	r       ContextReaderAt
	tail    []byte
	tailOff int64
}

func (b *boundReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.tailOff {
		i := off - b.tailOff
		if i >= int64(len(b.tail)) {
			return 0, io.EOF
		}
		n := copy(p, b.tail[i:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	return b.r.ReadAtContext(b.ctx, p, off)
}

// parquetColumn is a ChunkedSource whose blocks are the row groups of one
// column.
type parquetColumn struct {
	src   *parquetFile
	name  string
	index int
	dtype DType
	sizes []int
}

func (c *parquetColumn) Shape() []int {
	n := 0
	for _, s := range c.sizes {
		n += s
	}
	return []int{n}
}

func (c *parquetColumn) Chunks() [][]int {
	// Empty row groups contribute no rows.
	var out []int
	for _, s := range c.sizes {
		if s > 0 {
			out = append(out, s)
		}
	}
	return [][]int{out}
}

func (c *parquetColumn) Materialize(ctx context.Context, coord []int) (*Block, error) {
	file, err := c.src.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("parquet: column %q: %w", c.name, err)
	}
	groups := file.RowGroups()
	n := -1
	for _, rg := range groups {
		if rg.NumRows() == 0 {
			continue
		}
		n++
		if n == coord[0] {
			out := make([]byte, 0, int(rg.NumRows())*c.dtype.Size)
			out, err := c.readGroup(ctx, rg, out)
			if err != nil {
				return nil, err
			}
			return NewBlock(c.dtype, []int{int(rg.NumRows())}, out)
		}
	}
	return nil, fmt.Errorf("parquet: column %q has no row group %d", c.name, coord[0])
}

// readAll loads the whole column as a dense block.
func (c *parquetColumn) readAll(ctx context.Context, rows int) (*Block, error) {
	out := make([]byte, 0, rows*c.dtype.Size)
	for _, rg := range c.src.file.RowGroups() {
		var err error
		if out, err = c.readGroup(ctx, rg, out); err != nil {
			return nil, err
		}
	}
	return NewBlock(c.dtype, []int{rows}, out)
}

func (c *parquetColumn) readGroup(ctx context.Context, rg parquet.RowGroup, out []byte) ([]byte, error) {
	pages := rg.ColumnChunks()[c.index].Pages()
	defer func() { _ = pages.Close() }()

	values := make([]parquet.Value, 256)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := pages.ReadPage()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parquet: column %q: read page: %w", c.name, err)
		}

		reader := page.Values()
		for {
			n, err := reader.ReadValues(values)
			for _, v := range values[:n] {
				out = appendValue(out, c.dtype, v)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parquet: column %q: read values: %w", c.name, err)
			}
		}
	}
}

// appendValue appends the little-endian encoding of v.
func appendValue(out []byte, dt DType, v parquet.Value) []byte {
	null := v.IsNull()
	switch dt.Kind {
	case KindBool:
		if !null && v.Boolean() {
			return append(out, 1)
		}
		return append(out, 0)
	case KindInt:
		if dt.Size == 4 {
			var x int32
			if !null {
				x = v.Int32()
			}
			return binary.LittleEndian.AppendUint32(out, uint32(x))
		}
		var x int64
		if !null {
			x = v.Int64()
		}
		return binary.LittleEndian.AppendUint64(out, uint64(x))
	default:
		if dt.Size == 4 {
			x := float32(math.NaN())
			if !null {
				x = v.Float()
			}
			return binary.LittleEndian.AppendUint32(out, math.Float32bits(x))
		}
		x := math.NaN()
		if !null {
			x = v.Double()
		}
		return binary.LittleEndian.AppendUint64(out, math.Float64bits(x))
	}
}

// parquetDType maps a required or optional leaf column to its element type.
func parquetDType(f parquet.Field) (DType, bool) {
	if !f.Leaf() || f.Repeated() {
		return DType{}, false
	}
	switch f.Type().Kind() {
	case parquet.Boolean:
		return Bool, true
	case parquet.Int32:
		return Int32, true
	case parquet.Int64:
		return Int64, true
	case parquet.Float:
		return Float32, true
	case parquet.Double:
		return Float64, true
	default:
		return DType{}, false
	}
}

func countLeaves(n parquet.Node) int {
	if n.Leaf() {
		return 1
	}
	total := 0
	for _, f := range n.Fields() {
		total += countLeaves(f)
	}
	return total
}

// regularSizes reports whether non-empty row groups tile the rows with one
// block size and a possibly smaller last block.
func regularSizes(sizes []int) bool {
	var nonEmpty []int
	for _, s := range sizes {
		if s > 0 {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) == 0 {
		return false
	}
	for i, s := range nonEmpty {
		if s > nonEmpty[0] || (s != nonEmpty[0] && i != len(nonEmpty)-1) {
			return false
		}
	}
	return true
}
