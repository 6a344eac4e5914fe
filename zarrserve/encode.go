package zarrserve

import "fmt"

// Encode runs a block's bytes through the filter pipeline in order, then the
// compressor if one is given. No framing is added beyond what the codecs
// themselves produce.
func Encode(block *Block, filters []Codec, compressor Codec) ([]byte, error) {
	data := block.Data

	for _, f := range filters {
		out, err := f.Encode(data)
		if err != nil {
			return nil, fmt.Errorf("zarrserve: filter %s: %w", f.ID(), err)
		}
		data = out
	}

	if !block.DType.Primitive() {
		return nil, fmt.Errorf("%w: cannot encode %s elements without an object codec", ErrUnsupportedType, block.DType)
	}

	if compressor == nil {
		return data, nil
	}
	out, err := compressor.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("zarrserve: compressor %s: %w", compressor.ID(), err)
	}
	return out, nil
}
