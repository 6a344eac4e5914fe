package zarrserve

import (
	"fmt"
	"math"
)

// -----------------------------------------------------------------------------
// Shuffle
// -----------------------------------------------------------------------------

// shuffleCodec implements the numcodecs "shuffle" filter. Bytes are
// regrouped so that byte j of every element is stored together, which
// improves compression of numeric data.
type shuffleCodec struct {
	elemSize int
}

// NewShuffle creates a byte shuffle filter for elements of elemSize bytes.
func NewShuffle(elemSize int) (Codec, error) {
	if elemSize <= 0 {
		return nil, fmt.Errorf("%w: shuffle element size must be positive, got %d", ErrValidation, elemSize)
	}
	return &shuffleCodec{elemSize: elemSize}, nil
}

func (f *shuffleCodec) ID() string { return "shuffle" }

func (f *shuffleCodec) Config() CodecConfig {
	return CodecConfig{"id": "shuffle", "elementsize": f.elemSize}
}

// Encode turns [elem0][elem1]... into [all byte 0s][all byte 1s]...
// Trailing bytes that do not form a whole element are copied unchanged.
func (f *shuffleCodec) Encode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	n := len(src) / f.elemSize
	for i := 0; i < n; i++ {
		for j := 0; j < f.elemSize; j++ {
			out[j*n+i] = src[i*f.elemSize+j]
		}
	}
	copy(out[n*f.elemSize:], src[n*f.elemSize:])
	return out, nil
}

func (f *shuffleCodec) Decode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	n := len(src) / f.elemSize
	for i := 0; i < n; i++ {
		for j := 0; j < f.elemSize; j++ {
			out[i*f.elemSize+j] = src[j*n+i]
		}
	}
	copy(out[n*f.elemSize:], src[n*f.elemSize:])
	return out, nil
}

// -----------------------------------------------------------------------------
// Delta
// -----------------------------------------------------------------------------

// deltaCodec implements the numcodecs "delta" filter: the first element is
// kept and every following element is replaced by its difference from the
// previous one. Integer differences wrap.
type deltaCodec struct {
	dtype DType
}

// NewDelta creates a delta filter over elements of dtype dt. Only integer and
// float dtypes are supported, and the encoded type equals dt.
func NewDelta(dt DType) (Codec, error) {
	switch dt.Kind {
	case KindInt, KindUint:
	case KindFloat:
		if dt.Size != 4 && dt.Size != 8 {
			return nil, fmt.Errorf("%w: delta does not support %s", ErrValidation, dt)
		}
	default:
		return nil, fmt.Errorf("%w: delta does not support %s", ErrValidation, dt)
	}
	return &deltaCodec{dtype: dt}, nil
}

func (f *deltaCodec) ID() string { return "delta" }

func (f *deltaCodec) Config() CodecConfig {
	return CodecConfig{"id": "delta", "dtype": f.dtype.String(), "astype": f.dtype.String()}
}

func (f *deltaCodec) Encode(src []byte) ([]byte, error) {
	if len(src)%f.dtype.Size != 0 {
		return nil, fmt.Errorf("%w: delta input of %d bytes is not a multiple of %d", ErrValidation, len(src), f.dtype.Size)
	}
	out := make([]byte, len(src))
	if f.dtype.Kind == KindFloat {
		var prev float64
		for off := 0; off < len(src); off += f.dtype.Size {
			cur := f.getFloat(src[off:])
			f.putFloat(out[off:], cur-prev)
			prev = cur
		}
		return out, nil
	}
	var prev uint64
	for off := 0; off < len(src); off += f.dtype.Size {
		cur := f.getUint(src[off:])
		f.putUint(out[off:], cur-prev)
		prev = cur
	}
	return out, nil
}

func (f *deltaCodec) Decode(src []byte) ([]byte, error) {
	if len(src)%f.dtype.Size != 0 {
		return nil, fmt.Errorf("%w: delta input of %d bytes is not a multiple of %d", ErrValidation, len(src), f.dtype.Size)
	}
	out := make([]byte, len(src))
	if f.dtype.Kind == KindFloat {
		var acc float64
		for off := 0; off < len(src); off += f.dtype.Size {
			acc = f.round(acc + f.getFloat(src[off:]))
			f.putFloat(out[off:], acc)
		}
		return out, nil
	}
	var acc uint64
	for off := 0; off < len(src); off += f.dtype.Size {
		acc += f.getUint(src[off:])
		f.putUint(out[off:], acc)
	}
	return out, nil
}

// round narrows intermediate sums to the element precision.
func (f *deltaCodec) round(v float64) float64 {
	if f.dtype.Size == 4 {
		return float64(float32(v))
	}
	return v
}

func (f *deltaCodec) getFloat(b []byte) float64 {
	order := f.dtype.byteOrder()
	if f.dtype.Size == 4 {
		return float64(math.Float32frombits(order.Uint32(b)))
	}
	return math.Float64frombits(order.Uint64(b))
}

func (f *deltaCodec) putFloat(b []byte, v float64) {
	putFloat(f.dtype.byteOrder(), b[:f.dtype.Size], v)
}

func (f *deltaCodec) getUint(b []byte) uint64 {
	order := f.dtype.byteOrder()
	switch f.dtype.Size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

func (f *deltaCodec) putUint(b []byte, v uint64) {
	putUint(f.dtype.byteOrder(), b[:f.dtype.Size], v)
}
