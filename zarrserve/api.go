// Package zarrserve exposes in-memory, labeled, multidimensional datasets
// through the Zarr v2 chunk-retrieval protocol.
//
// zarrserve focuses on translation: consolidated metadata assembled from the
// dataset model, chunk extraction with edge padding, chunk encoding through a
// filter/compressor pipeline, and a cost-aware cache of encoded chunks. It does
// not persist data, route requests, or choose datasets.
package zarrserve

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Protocol constants
// -----------------------------------------------------------------------------

const (
	// ZarrFormat is the Zarr storage format version produced.
	ZarrFormat = 2

	// ConsolidatedFormat is the consolidated metadata format version produced.
	ConsolidatedFormat = 1

	// MetadataKey is the key of the consolidated metadata document.
	MetadataKey = ".zmetadata"

	// GroupMetaKey is the key of group metadata.
	GroupMetaKey = ".zgroup"

	// AttrsKey is the key of an attribute document.
	AttrsKey = ".zattrs"

	// ArrayMetaKey is the key of array metadata.
	ArrayMetaKey = ".zarray"

	// DimensionKey is the reserved attribute holding a variable's dimension names.
	DimensionKey = "_ARRAY_DIMENSIONS"

	// FillValueAttr is the reserved attribute relocated into array metadata.
	FillValueAttr = "_FillValue"

	// ChunkSeparator joins per-dimension block indices in a chunk key.
	ChunkSeparator = "."
)

// -----------------------------------------------------------------------------
// Data sources
// -----------------------------------------------------------------------------

// Source backs a variable's data.
//
// A *Block is a dense Source: it behaves as exactly one chunk covering the
// full shape. Sources that also implement ChunkedSource are served block by
// block.
type Source interface {
	// Shape returns the full array shape.
	Shape() []int
}

// ChunkedSource is a regularly chunked, lazily materialized array.
type ChunkedSource interface {
	Source

	// Chunks returns the block sizes along each dimension. Every block in a
	// dimension has the same size except possibly the last, which may be
	// smaller.
	Chunks() [][]int

	// Materialize computes the block at coord and blocks until it is
	// available. The returned block has the block's own (possibly edge) shape.
	Materialize(ctx context.Context, coord []int) (*Block, error)
}

// -----------------------------------------------------------------------------
// Variables and datasets
// -----------------------------------------------------------------------------

// Encoding holds the storage options of a variable.
type Encoding struct {
	// Compressor is applied after filters. If nil, DefaultCompressor is used
	// unless NoCompressor is set.
	Compressor Codec

	// NoCompressor disables compression entirely.
	NoCompressor bool

	// Filters are applied in order before compression.
	Filters []Codec

	// Chunks is the declared chunk shape. If nil, it is inferred from the
	// source. If set, it must equal the block shape of the source.
	Chunks []int
}

// Variable is a named array over an ordered list of dimensions.
type Variable struct {
	Name     string
	Dims     []string
	DType    DType
	Attrs    Attrs
	Encoding Encoding
	Data     Source
}

// Shape returns the variable's shape.
func (v *Variable) Shape() []int {
	return v.Data.Shape()
}

// compressor resolves the effective compressor.
func (v *Variable) compressor() Codec {
	if v.Encoding.NoCompressor {
		return nil
	}
	if v.Encoding.Compressor == nil {
		return DefaultCompressor()
	}
	return v.Encoding.Compressor
}

// Dataset is a read-only collection of variables over shared dimensions.
//
// Datasets are not assumed to change while being served.
type Dataset struct {
	vars  []*Variable
	index map[string]*Variable
	dims  map[string]int
	order []string
	attrs Attrs
}

// NewDataset builds a dataset and validates that its variables agree on
// dimension sizes.
func NewDataset(vars []*Variable, attrs Attrs) (*Dataset, error) {
	ds := &Dataset{
		index: make(map[string]*Variable, len(vars)),
		dims:  make(map[string]int),
		attrs: attrs,
	}
	if ds.attrs == nil {
		ds.attrs = Attrs{}
	}

	for _, v := range vars {
		if v == nil {
			return nil, fmt.Errorf("%w: nil variable", ErrValidation)
		}
		if v.Name == "" {
			return nil, fmt.Errorf("%w: variable name must not be empty", ErrValidation)
		}
		if _, dup := ds.index[v.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate variable %q", ErrValidation, v.Name)
		}
		if v.Data == nil {
			return nil, fmt.Errorf("%w: variable %q has no data", ErrValidation, v.Name)
		}
		shape := v.Shape()
		if len(shape) != len(v.Dims) {
			return nil, fmt.Errorf("%w: variable %q has %d dims but shape %v", ErrValidation, v.Name, len(v.Dims), shape)
		}
		switch src := v.Data.(type) {
		case *Block:
			if src.DType != v.DType {
				return nil, fmt.Errorf("%w: variable %q dtype %s does not match data dtype %s", ErrValidation, v.Name, v.DType, src.DType)
			}
		case ChunkedSource:
		default:
			return nil, fmt.Errorf("%w: variable %q has unsupported source %T", ErrValidation, v.Name, v.Data)
		}
		for i, d := range v.Dims {
			size, seen := ds.dims[d]
			if !seen {
				ds.dims[d] = shape[i]
				ds.order = append(ds.order, d)
				continue
			}
			if size != shape[i] {
				return nil, fmt.Errorf("%w: dimension %q has size %d in %q but %d elsewhere", ErrValidation, d, shape[i], v.Name, size)
			}
		}
		if v.Attrs == nil {
			v.Attrs = Attrs{}
		}
		ds.vars = append(ds.vars, v)
		ds.index[v.Name] = v
	}

	return ds, nil
}

// Variables returns the variables in declaration order.
func (d *Dataset) Variables() []*Variable {
	return d.vars
}

// Variable looks up a variable by name.
func (d *Dataset) Variable(name string) (*Variable, bool) {
	v, ok := d.index[name]
	return v, ok
}

// Dims returns a copy of the dimension-name to size mapping.
func (d *Dataset) Dims() map[string]int {
	out := make(map[string]int, len(d.dims))
	for k, v := range d.dims {
		out[k] = v
	}
	return out
}

// DimNames returns dimension names in first-seen order.
func (d *Dataset) DimNames() []string {
	return append([]string(nil), d.order...)
}

// Attrs returns the global attributes.
func (d *Dataset) Attrs() Attrs {
	return d.attrs
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for the failure classes of the core.
var (
	// ErrValidation indicates a malformed dataset or request: mismatched
	// chunk declarations, malformed or out-of-range chunk coordinates.
	ErrValidation = errValidation{}

	// ErrUnsupportedType indicates an element type that cannot be encoded.
	ErrUnsupportedType = errUnsupportedType{}

	// ErrCompute indicates a failure while materializing a block.
	ErrCompute = errCompute{}

	// ErrNotFound indicates a requested variable or metadata key does not exist.
	ErrNotFound = errNotFound{}
)

type errValidation struct{}

func (errValidation) Error() string { return "validation error" }

type errUnsupportedType struct{}

func (errUnsupportedType) Error() string { return "unsupported type" }

type errCompute struct{}

func (errCompute) Error() string { return "compute error" }

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// IsClientError reports whether err should be reported to the caller as a
// problem with the request rather than the server.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound)
}
