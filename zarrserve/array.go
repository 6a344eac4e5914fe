package zarrserve

import (
	"context"
	"encoding/binary"
	"fmt"
)

// -----------------------------------------------------------------------------
// Dense blocks
// -----------------------------------------------------------------------------

// Block is a dense, row-major array of elements.
type Block struct {
	shape []int
	DType DType
	Data  []byte
}

// NewBlock wraps raw element bytes of dtype dt laid out row-major in shape.
func NewBlock(dt DType, shape []int, data []byte) (*Block, error) {
	want := numElements(shape) * dt.Size
	if len(data) != want {
		return nil, fmt.Errorf("%w: block of shape %v and dtype %s needs %d bytes, got %d", ErrValidation, shape, dt, want, len(data))
	}
	return &Block{shape: append([]int(nil), shape...), DType: dt, Data: data}, nil
}

// Shape returns the block shape.
func (b *Block) Shape() []int {
	return append([]int(nil), b.shape...)
}

// Len returns the number of elements in the block.
func (b *Block) Len() int {
	return numElements(b.shape)
}

// Number is the set of Go element types with a fixed-size encoding.
type Number interface {
	int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float32 | float64
}

// BlockOf builds a little-endian block from typed values.
func BlockOf[T Number](shape []int, values []T) (*Block, error) {
	if len(values) != numElements(shape) {
		return nil, fmt.Errorf("%w: %d values do not fill shape %v", ErrValidation, len(values), shape)
	}
	data, err := binary.Append(nil, binary.LittleEndian, values)
	if err != nil {
		return nil, fmt.Errorf("zarrserve: encoding values: %w", err)
	}
	return NewBlock(DTypeOf[T](), shape, data)
}

// Values decodes a block into typed values. The block dtype must match T.
func Values[T Number](b *Block) ([]T, error) {
	if want := DTypeOf[T](); b.DType.Kind != want.Kind || b.DType.Size != want.Size {
		return nil, fmt.Errorf("%w: block dtype %s is not %s", ErrValidation, b.DType, want)
	}
	out := make([]T, b.Len())
	if _, err := binary.Decode(b.Data, b.DType.byteOrder(), out); err != nil {
		return nil, fmt.Errorf("zarrserve: decoding values: %w", err)
	}
	return out, nil
}

// DTypeOf returns the little-endian dtype of a Go element type.
func DTypeOf[T Number]() DType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	default:
		return Float64
	}
}

// -----------------------------------------------------------------------------
// Lazy chunked sources
// -----------------------------------------------------------------------------

// ComputeFunc produces the block at coord of a FuncSource.
type ComputeFunc func(ctx context.Context, coord []int) (*Block, error)

// funcSource is a ChunkedSource backed by a compute function.
type funcSource struct {
	shape  []int
	chunks [][]int
	fn     ComputeFunc
}

// NewFuncSource creates a lazily computed source of the given shape split
// into regular blocks of chunk size. fn is invoked once per Materialize call.
func NewFuncSource(shape, chunk []int, fn ComputeFunc) (ChunkedSource, error) {
	if fn == nil {
		return nil, fmt.Errorf("zarrserve: compute func must not be nil")
	}
	chunks, err := regularChunks(shape, chunk)
	if err != nil {
		return nil, err
	}
	return &funcSource{shape: append([]int(nil), shape...), chunks: chunks, fn: fn}, nil
}

func (f *funcSource) Shape() []int    { return append([]int(nil), f.shape...) }
func (f *funcSource) Chunks() [][]int { return f.chunks }

func (f *funcSource) Materialize(ctx context.Context, coord []int) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fn(ctx, coord)
}

// Rechunk exposes a dense block as a regularly chunked source whose blocks
// are sliced out on demand.
func Rechunk(b *Block, chunk []int) (ChunkedSource, error) {
	shape := b.Shape()
	return NewFuncSource(shape, chunk, func(ctx context.Context, coord []int) (*Block, error) {
		start, ext := blockBounds(shape, chunk, coord)
		out := make([]byte, numElements(ext)*b.DType.Size)
		copyRegion(out, ext, make([]int, len(ext)), b.Data, shape, start, ext, b.DType.Size)
		return &Block{shape: ext, DType: b.DType, Data: out}, nil
	})
}

// -----------------------------------------------------------------------------
// Shape helpers
// -----------------------------------------------------------------------------

func numElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// regularChunks splits each dimension into blocks of the chunk size with a
// possibly smaller final block.
func regularChunks(shape, chunk []int) ([][]int, error) {
	if len(shape) != len(chunk) {
		return nil, fmt.Errorf("%w: chunk rank %d does not match shape rank %d", ErrValidation, len(chunk), len(shape))
	}
	out := make([][]int, len(shape))
	for d, size := range shape {
		if chunk[d] <= 0 {
			return nil, fmt.Errorf("%w: chunk size must be positive, got %v", ErrValidation, chunk)
		}
		var blocks []int
		for off := 0; off < size; off += chunk[d] {
			blocks = append(blocks, min(chunk[d], size-off))
		}
		out[d] = blocks
	}
	return out, nil
}

// blockBounds returns the start and extent of block coord within shape.
func blockBounds(shape, chunk, coord []int) ([]int, []int) {
	start := make([]int, len(shape))
	ext := make([]int, len(shape))
	for d := range shape {
		start[d] = coord[d] * chunk[d]
		ext[d] = max(0, min(chunk[d], shape[d]-start[d]))
	}
	return start, ext
}

func rowMajorStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = acc
		acc *= shape[d]
	}
	return strides
}

// copyRegion copies the hyperrectangle of extent ext at srcStart in src to
// dstStart in dst. Both buffers are row-major.
func copyRegion(dst []byte, dstShape, dstStart []int, src []byte, srcShape, srcStart []int, ext []int, itemSize int) {
	ndim := len(ext)
	if ndim == 0 {
		copy(dst[:itemSize], src[:itemSize])
		return
	}
	for _, e := range ext {
		if e == 0 {
			return
		}
	}

	srcStrides := rowMajorStrides(srcShape)
	dstStrides := rowMajorStrides(dstShape)
	run := ext[ndim-1] * itemSize
	idx := make([]int, ndim)

	for {
		so, do := 0, 0
		for d := 0; d < ndim; d++ {
			so += (srcStart[d] + idx[d]) * srcStrides[d]
			do += (dstStart[d] + idx[d]) * dstStrides[d]
		}
		copy(dst[do*itemSize:do*itemSize+run], src[so*itemSize:so*itemSize+run])

		d := ndim - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < ext[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}
