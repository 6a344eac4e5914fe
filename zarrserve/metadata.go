package zarrserve

import (
	"fmt"
)

// -----------------------------------------------------------------------------
// Metadata documents
// -----------------------------------------------------------------------------

// GroupMeta is the .zgroup document.
type GroupMeta struct {
	ZarrFormat int `json:"zarr_format"`
}

// ArrayMeta is the .zarray document of one variable.
//
// Compressor and Filters hold codec handles; MarshalJSON substitutes their
// configuration mappings.
type ArrayMeta struct {
	Chunks     []int
	Compressor Codec
	DType      DType
	FillValue  Value
	Filters    []Codec
	Order      string
	Shape      []int
	ZarrFormat int
}

type arrayMetaJSON struct {
	Chunks     []int         `json:"chunks"`
	Compressor CodecConfig   `json:"compressor"`
	DType      string        `json:"dtype"`
	FillValue  Value         `json:"fill_value"`
	Filters    []CodecConfig `json:"filters"`
	Order      string        `json:"order"`
	Shape      []int         `json:"shape"`
	ZarrFormat int           `json:"zarr_format"`
}

// MarshalJSON encodes the .zarray document.
func (m *ArrayMeta) MarshalJSON() ([]byte, error) {
	doc := arrayMetaJSON{
		Chunks:     m.Chunks,
		DType:      m.DType.String(),
		FillValue:  m.FillValue,
		Filters:    codecConfigs(m.Filters),
		Order:      m.Order,
		Shape:      m.Shape,
		ZarrFormat: m.ZarrFormat,
	}
	if m.Compressor != nil {
		doc.Compressor = m.Compressor.Config()
	}
	return jsonCodec.Marshal(doc)
}

type variableMeta struct {
	attrs Attrs
	array *ArrayMeta
}

// ConsolidatedMetadata aggregates the group, global attribute, and
// per-variable documents of a dataset. It is immutable once assembled.
type ConsolidatedMetadata struct {
	group GroupMeta
	attrs Attrs
	vars  map[string]*variableMeta
	order []string
}

// Group returns the .zgroup document.
func (c *ConsolidatedMetadata) Group() GroupMeta {
	return c.group
}

// Attrs returns the global .zattrs document.
func (c *ConsolidatedMetadata) Attrs() Attrs {
	return c.attrs
}

// Variables returns variable names in dataset order.
func (c *ConsolidatedMetadata) Variables() []string {
	return append([]string(nil), c.order...)
}

// VariableAttrs returns the .zattrs document of a variable.
func (c *ConsolidatedMetadata) VariableAttrs(name string) (Attrs, error) {
	vm, ok := c.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	return vm.attrs, nil
}

// ArrayMeta returns the .zarray document of a variable.
func (c *ConsolidatedMetadata) ArrayMeta(name string) (*ArrayMeta, error) {
	vm, ok := c.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: variable %q", ErrNotFound, name)
	}
	return vm.array, nil
}

// Document returns the consolidated .zmetadata document.
func (c *ConsolidatedMetadata) Document() map[string]any {
	meta := make(map[string]any, 2+2*len(c.order))
	meta[GroupMetaKey] = c.group
	meta[AttrsKey] = c.attrs
	for _, name := range c.order {
		vm := c.vars[name]
		meta[name+"/"+AttrsKey] = vm.attrs
		meta[name+"/"+ArrayMetaKey] = vm.array
	}
	return map[string]any{
		"zarr_consolidated_format": ConsolidatedFormat,
		"metadata":                 meta,
	}
}

// MarshalJSON encodes the consolidated document.
func (c *ConsolidatedMetadata) MarshalJSON() ([]byte, error) {
	return jsonCodec.Marshal(c.Document())
}

// -----------------------------------------------------------------------------
// Assembly
// -----------------------------------------------------------------------------

// Assemble builds the consolidated metadata of ds. Declared chunk shapes are
// checked against the block structure of each variable's source here, so a
// structurally broken dataset fails before any chunk is served.
func Assemble(ds *Dataset) (*ConsolidatedMetadata, error) {
	cm := &ConsolidatedMetadata{
		group: GroupMeta{ZarrFormat: ZarrFormat},
		attrs: ds.Attrs().Clone(),
		vars:  make(map[string]*variableMeta, len(ds.Variables())),
	}

	for _, v := range ds.Variables() {
		array, err := arrayMeta(v)
		if err != nil {
			return nil, err
		}
		cm.vars[v.Name] = &variableMeta{attrs: exportAttrs(v), array: array}
		cm.order = append(cm.order, v.Name)
	}

	return cm, nil
}

// exportAttrs returns the .zattrs of v: user attributes plus the dimension
// list, without the fill value.
func exportAttrs(v *Variable) Attrs {
	attrs := v.Attrs.Clone()
	delete(attrs, FillValueAttr)

	dims := make([]Value, len(v.Dims))
	for i, d := range v.Dims {
		dims[i] = StringValue(d)
	}
	attrs[DimensionKey] = ListValue(dims...)
	return attrs
}

func arrayMeta(v *Variable) (*ArrayMeta, error) {
	chunks, err := resolveChunks(v)
	if err != nil {
		return nil, err
	}
	fill, err := EncodeFillValue(v.DType, v.Attrs[FillValueAttr])
	if err != nil {
		return nil, fmt.Errorf("variable %q: %w", v.Name, err)
	}

	shape := v.Shape()
	if shape == nil {
		shape = []int{}
	}

	return &ArrayMeta{
		Chunks:     chunks,
		Compressor: v.compressor(),
		DType:      v.DType,
		FillValue:  fill,
		Filters:    v.Encoding.Filters,
		Order:      "C",
		Shape:      shape,
		ZarrFormat: ZarrFormat,
	}, nil
}

// resolveChunks returns the chunk shape of v, inferring it from the source
// when undeclared and validating it when declared.
func resolveChunks(v *Variable) ([]int, error) {
	shape := v.Shape()

	inferred := shape
	if src, ok := v.Data.(ChunkedSource); ok {
		var err error
		inferred, err = blockShape(v.Name, shape, src.Chunks())
		if err != nil {
			return nil, err
		}
	}

	declared := v.Encoding.Chunks
	if declared == nil {
		out := make([]int, len(inferred))
		for d, c := range inferred {
			out[d] = max(c, 1)
		}
		return out, nil
	}

	if len(declared) != len(shape) {
		return nil, fmt.Errorf("%w: variable %q declares %d chunk sizes for %d dimensions", ErrValidation, v.Name, len(declared), len(shape))
	}
	for d, c := range declared {
		if c <= 0 {
			return nil, fmt.Errorf("%w: variable %q declares non-positive chunk size %d", ErrValidation, v.Name, c)
		}
		// An empty dimension has no blocks to compare against.
		if inferred[d] != 0 && inferred[d] != c {
			return nil, fmt.Errorf("%w: variable %q encoding chunks %v do not match inferred chunks %v", ErrValidation, v.Name, declared, inferred)
		}
	}
	return append([]int(nil), declared...), nil
}

// blockShape returns the leading block size per dimension and checks that the
// blocks tile the shape regularly.
func blockShape(name string, shape []int, blocks [][]int) ([]int, error) {
	if len(blocks) != len(shape) {
		return nil, fmt.Errorf("%w: variable %q source has %d chunked dimensions for shape %v", ErrValidation, name, len(blocks), shape)
	}
	out := make([]int, len(shape))
	for d, sizes := range blocks {
		total := 0
		for i, s := range sizes {
			if s <= 0 || s > sizes[0] || (s != sizes[0] && i != len(sizes)-1) {
				return nil, fmt.Errorf("%w: variable %q has irregular chunks %v along dimension %d", ErrValidation, name, sizes, d)
			}
			total += s
		}
		if total != shape[d] {
			return nil, fmt.Errorf("%w: variable %q chunks %v do not cover dimension of size %d", ErrValidation, name, sizes, shape[d])
		}
		if len(sizes) > 0 {
			out[d] = sizes[0]
		}
	}
	return out, nil
}
