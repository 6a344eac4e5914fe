package zarrserve

import (
	"fmt"
	"math"
)

// Codec is a reversible byte transform: a filter or a compressor.
//
// Codecs are identified by their numcodecs id and serialize to the same
// configuration mapping numcodecs uses, so generic Zarr clients can decode
// their output directly.
type Codec interface {
	// ID returns the numcodecs codec identifier (for example "zstd").
	ID() string

	// Config returns the canonical configuration mapping, including "id".
	Config() CodecConfig

	// Encode transforms src.
	Encode(src []byte) ([]byte, error)

	// Decode inverts Encode.
	Decode(src []byte) ([]byte, error)
}

// CodecConfig is the JSON configuration mapping of a codec.
type CodecConfig map[string]any

// DefaultCompressor returns the compressor used when a variable declares
// none: zstd at level 1.
func DefaultCompressor() Codec {
	return NewZstd(1)
}

// CodecFromConfig builds a codec from its configuration mapping.
func CodecFromConfig(cfg CodecConfig) (Codec, error) {
	id, _ := cfg["id"].(string)
	switch id {
	case "zlib":
		level, err := intField(cfg, "level", 1)
		if err != nil {
			return nil, err
		}
		return NewZlib(level)
	case "gzip":
		level, err := intField(cfg, "level", 1)
		if err != nil {
			return nil, err
		}
		return NewGzip(level)
	case "zstd":
		level, err := intField(cfg, "level", 1)
		if err != nil {
			return nil, err
		}
		return NewZstd(level), nil
	case "lz4":
		accel, err := intField(cfg, "acceleration", 1)
		if err != nil {
			return nil, err
		}
		return NewLZ4(accel), nil
	case "shuffle":
		size, err := intField(cfg, "elementsize", 4)
		if err != nil {
			return nil, err
		}
		return NewShuffle(size)
	case "delta":
		s, _ := cfg["dtype"].(string)
		dt, err := ParseDType(s)
		if err != nil {
			return nil, err
		}
		if as, ok := cfg["astype"].(string); ok && as != s {
			return nil, fmt.Errorf("%w: delta astype %q differs from dtype %q", ErrValidation, as, s)
		}
		return NewDelta(dt)
	case "":
		return nil, fmt.Errorf("%w: codec config has no id", ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", ErrValidation, id)
	}
}

// intField reads an integer option. Decoders hand back int, int64, or float64
// depending on the source document.
func intField(cfg CodecConfig, key string, def int) (int, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: codec option %q must be an integer, got %v", ErrValidation, key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%w: codec option %q must be an integer, got %T", ErrValidation, key, raw)
	}
}

// codecConfigs projects codec handles to their configuration mappings. An
// empty list projects to nil.
func codecConfigs(codecs []Codec) []CodecConfig {
	if len(codecs) == 0 {
		return nil
	}
	out := make([]CodecConfig, len(codecs))
	for i, c := range codecs {
		out[i] = c.Config()
	}
	return out
}
