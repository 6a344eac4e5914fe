package zarrserve

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ParseChunkID parses a "."-joined chunk key into block indices for an array
// of ndim dimensions. Zero-dimensional arrays have the single key "0".
func ParseChunkID(id string, ndim int) ([]int, error) {
	if ndim == 0 {
		if id != "0" {
			return nil, fmt.Errorf("%w: invalid chunk id %q for scalar variable", ErrValidation, id)
		}
		return []int{}, nil
	}

	parts := strings.Split(id, ChunkSeparator)
	if len(parts) != ndim {
		return nil, fmt.Errorf("%w: chunk id %q has %d indices, want %d", ErrValidation, id, len(parts), ndim)
	}
	coord := make([]int, ndim)
	for i, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return nil, fmt.Errorf("%w: malformed chunk id %q", ErrValidation, id)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed chunk id %q: %w", ErrValidation, id, err)
		}
		coord[i] = n
	}
	return coord, nil
}

// FormatChunkID renders block indices as a chunk key.
func FormatChunkID(coord []int) string {
	if len(coord) == 0 {
		return "0"
	}
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ChunkSeparator)
}

// Extract materializes the block at coord of v as a dense block of the full
// chunk shape. Edge blocks are padded with the variable's fill value, or zero
// bytes when none is declared.
func Extract(ctx context.Context, v *Variable, coord, chunk []int) (*Block, error) {
	shape := v.Shape()
	if len(coord) != len(shape) || len(chunk) != len(shape) {
		return nil, fmt.Errorf("%w: chunk coordinate %v does not match rank of %q", ErrValidation, coord, v.Name)
	}

	var block *Block
	switch src := v.Data.(type) {
	case ChunkedSource:
		b, err := materialize(ctx, v, src, coord, chunk)
		if err != nil {
			return nil, err
		}
		block = b
	case *Block:
		for _, c := range coord {
			if c != 0 {
				return nil, fmt.Errorf("%w: invalid chunk id %s for unchunked variable %q, should have been %s",
					ErrValidation, FormatChunkID(coord), v.Name, FormatChunkID(make([]int, len(coord))))
			}
		}
		block = src
	default:
		return nil, fmt.Errorf("%w: variable %q has unsupported source %T", ErrValidation, v.Name, v.Data)
	}

	if slices.Equal(block.shape, chunk) {
		return block, nil
	}
	fill, _ := FillBytes(v.DType, v.Attrs[FillValueAttr])
	return pad(block, chunk, fill), nil
}

func materialize(ctx context.Context, v *Variable, src ChunkedSource, coord, chunk []int) (*Block, error) {
	blocks := src.Chunks()
	for d, c := range coord {
		if c >= len(blocks[d]) {
			return nil, fmt.Errorf("%w: chunk %s of %q is out of range (%d blocks along dimension %q)",
				ErrValidation, FormatChunkID(coord), v.Name, len(blocks[d]), v.Dims[d])
		}
	}

	b, err := src.Materialize(ctx, coord)
	if err != nil {
		return nil, fmt.Errorf("%w: %q block %s: %w", ErrCompute, v.Name, FormatChunkID(coord), err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %q block %s: source returned no data", ErrCompute, v.Name, FormatChunkID(coord))
	}

	_, want := blockBounds(v.Shape(), chunk, coord)
	if !slices.Equal(b.shape, want) {
		return nil, fmt.Errorf("%w: %q block %s has shape %v, want %v", ErrCompute, v.Name, FormatChunkID(coord), b.shape, want)
	}
	if b.DType != v.DType {
		return nil, fmt.Errorf("%w: %q block %s has dtype %s, want %s", ErrCompute, v.Name, FormatChunkID(coord), b.DType, v.DType)
	}
	return b, nil
}

// pad copies b into the leading region of a block of the full chunk shape.
func pad(b *Block, chunk []int, fill []byte) *Block {
	size := b.DType.Size
	out := make([]byte, numElements(chunk)*size)
	if fill != nil {
		for off := 0; off < len(out); off += size {
			copy(out[off:off+size], fill)
		}
	}
	origin := make([]int, len(chunk))
	copyRegion(out, chunk, origin, b.Data, b.shape, origin, b.shape, size)
	return &Block{shape: append([]int(nil), chunk...), DType: b.DType, Data: out}
}
