package zarrserve

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// -----------------------------------------------------------------------------
// Zlib
// -----------------------------------------------------------------------------

// zlibCodec implements the numcodecs "zlib" compressor.
type zlibCodec struct {
	level int
}

// NewZlib creates a zlib compressor. Level ranges from 0 to 9.
func NewZlib(level int) (Codec, error) {
	if level < zlib.HuffmanOnly || level > zlib.BestCompression {
		return nil, fmt.Errorf("%w: zlib level %d out of range", ErrValidation, level)
	}
	return &zlibCodec{level: level}, nil
}

func (z *zlibCodec) ID() string { return "zlib" }

func (z *zlibCodec) Config() CodecConfig {
	return CodecConfig{"id": "zlib", "level": z.level}
}

func (z *zlibCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, z.level)
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	return buf.Bytes(), nil
}

func (z *zlibCodec) Decode(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer closer(r)()
	return io.ReadAll(r)
}

// -----------------------------------------------------------------------------
// Gzip
// -----------------------------------------------------------------------------

// gzipCodec implements the numcodecs "gzip" compressor.
type gzipCodec struct {
	level int
}

// NewGzip creates a gzip compressor. Level ranges from 0 to 9.
func NewGzip(level int) (Codec, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("%w: gzip level %d out of range", ErrValidation, level)
	}
	return &gzipCodec{level: level}, nil
}

func (g *gzipCodec) ID() string { return "gzip" }

func (g *gzipCodec) Config() CodecConfig {
	return CodecConfig{"id": "gzip", "level": g.level}
}

func (g *gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *gzipCodec) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer closer(r)()
	return io.ReadAll(r)
}

// -----------------------------------------------------------------------------
// Zstd
// -----------------------------------------------------------------------------

// Encoders are safe for concurrent EncodeAll and are cached per level.
var (
	zstdMu       sync.Mutex
	zstdEncoders = map[int]*zstd.Encoder{}
	zstdDecoder  *zstd.Decoder
)

// zstdCodec implements the numcodecs "zstd" compressor.
type zstdCodec struct {
	level int
}

// NewZstd creates a zstd compressor. Levels follow the zstd CLI scale.
func NewZstd(level int) Codec {
	return &zstdCodec{level: level}
}

func (z *zstdCodec) ID() string { return "zstd" }

func (z *zstdCodec) Config() CodecConfig {
	return CodecConfig{"id": "zstd", "level": z.level}
}

func (z *zstdCodec) Encode(src []byte) ([]byte, error) {
	enc, err := zstdEncoder(z.level)
	if err != nil {
		return nil, err
	}
	// EncodeAll records the content size in the frame header, which numcodecs
	// requires to size its output buffer.
	return enc.EncodeAll(src, nil), nil
}

func (z *zstdCodec) Decode(src []byte) ([]byte, error) {
	zstdMu.Lock()
	if zstdDecoder == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			zstdMu.Unlock()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		zstdDecoder = dec
	}
	dec := zstdDecoder
	zstdMu.Unlock()

	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	zstdMu.Lock()
	defer zstdMu.Unlock()

	if enc, ok := zstdEncoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	zstdEncoders[level] = enc
	return enc, nil
}

// -----------------------------------------------------------------------------
// LZ4
// -----------------------------------------------------------------------------

// lz4Codec implements the numcodecs "lz4" compressor: a 4-byte little-endian
// uncompressed length followed by one LZ4 block.
type lz4Codec struct {
	acceleration int
}

// NewLZ4 creates an lz4 compressor. The acceleration is recorded in the
// configuration for clients; block compression always uses the fast path.
func NewLZ4(acceleration int) Codec {
	return &lz4Codec{acceleration: acceleration}
}

func (l *lz4Codec) ID() string { return "lz4" }

func (l *lz4Codec) Config() CodecConfig {
	return CodecConfig{"id": "lz4", "acceleration": l.acceleration}
}

func (l *lz4Codec) Encode(src []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	binary.LittleEndian.PutUint32(out, uint32(len(src)))

	n, err := lz4.CompressBlock(src, out[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n == 0 {
		// Incompressible or empty input: emit a literal-only block.
		return append(out[:4], lz4Literals(src)...), nil
	}
	return out[:4+n], nil
}

func (l *lz4Codec) Decode(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("lz4: frame shorter than header")
	}
	size := int(binary.LittleEndian.Uint32(src))
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(src[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4: got %d bytes, header says %d", n, size)
	}
	return out, nil
}

// lz4Literals encodes src as a single LZ4 sequence with no match.
func lz4Literals(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/255+2)
	n := len(src)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rem := n - 15
		for rem >= 255 {
			out = append(out, 255)
			rem -= 255
		}
		out = append(out, byte(rem))
	}
	return append(out, src...)
}

// closer returns a function that closes c, discarding the error.
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
