package config

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/justapithecus/zarrserve/zarrserve"
	"github.com/justapithecus/zarrserve/zarrserve/s3"
)

// Open loads the dataset described by dc.
func Open(ctx context.Context, dc DatasetConfig) (*zarrserve.Dataset, error) {
	opts, err := dc.parquetOptions()
	if err != nil {
		return nil, err
	}

	if dc.Source.S3 != nil {
		src := dc.Source.S3
		client, err := s3.NewClient(ctx, s3.ClientConfig{
			Region:          src.Region,
			Endpoint:        src.Endpoint,
			UsePathStyle:    src.PathStyle,
			AccessKeyID:     src.AccessKeyID,
			SecretAccessKey: src.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("config: dataset %q: %w", dc.Name, err)
		}
		store, err := s3.New(client, s3.Config{Bucket: src.Bucket})
		if err != nil {
			return nil, fmt.Errorf("config: dataset %q: %w", dc.Name, err)
		}
		return zarrserve.OpenParquetStore(ctx, store, src.Key, opts...)
	}

	f, err := os.Open(dc.Source.Path)
	if err != nil {
		return nil, fmt.Errorf("config: dataset %q: %w", dc.Name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("config: dataset %q: %w", dc.Name, err)
	}
	// The file stays open for lazy row group reads.
	return zarrserve.OpenParquet(f, info.Size(), opts...)
}

func (dc DatasetConfig) parquetOptions() ([]zarrserve.ParquetOption, error) {
	attrs, err := ToAttrs(dc.Attrs)
	if err != nil {
		return nil, fmt.Errorf("config: dataset %q attrs: %w", dc.Name, err)
	}
	opts := []zarrserve.ParquetOption{zarrserve.WithGlobalAttrs(attrs)}
	if dc.Dimension != "" {
		opts = append(opts, zarrserve.WithDimension(dc.Dimension))
	}

	cols := make([]string, 0, len(dc.Columns))
	for name := range dc.Columns {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	for _, name := range cols {
		cc := dc.Columns[name]
		enc, err := cc.Encoding()
		if err != nil {
			return nil, fmt.Errorf("config: dataset %q column %q: %w", dc.Name, name, err)
		}
		colAttrs, err := ToAttrs(cc.Attrs)
		if err != nil {
			return nil, fmt.Errorf("config: dataset %q column %q attrs: %w", dc.Name, name, err)
		}
		opts = append(opts,
			zarrserve.WithColumnEncoding(name, enc),
			zarrserve.WithColumnAttrs(name, colAttrs),
		)
	}
	return opts, nil
}

// Encoding builds the column's variable encoding.
func (cc ColumnConfig) Encoding() (zarrserve.Encoding, error) {
	enc := zarrserve.Encoding{NoCompressor: cc.NoCompressor}
	if cc.Compressor != nil {
		c, err := zarrserve.CodecFromConfig(cc.Compressor)
		if err != nil {
			return enc, err
		}
		enc.Compressor = c
	}
	for i, fc := range cc.Filters {
		f, err := zarrserve.CodecFromConfig(fc)
		if err != nil {
			return enc, fmt.Errorf("filter %d: %w", i, err)
		}
		enc.Filters = append(enc.Filters, f)
	}
	return enc, nil
}

// ToAttrs converts decoded YAML attributes.
func ToAttrs(m map[string]any) (zarrserve.Attrs, error) {
	out := make(zarrserve.Attrs, len(m))
	for k, raw := range m {
		v, err := ToValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// ToValue converts a decoded YAML value.
func ToValue(raw any) (zarrserve.Value, error) {
	switch v := raw.(type) {
	case nil:
		return zarrserve.NullValue(), nil
	case bool:
		return zarrserve.BoolValue(v), nil
	case int:
		return zarrserve.IntValue(int64(v)), nil
	case int64:
		return zarrserve.IntValue(v), nil
	case uint64:
		return zarrserve.UintValue(v), nil
	case float64:
		return zarrserve.FloatValue(v), nil
	case string:
		return zarrserve.StringValue(v), nil
	case []any:
		list := make([]zarrserve.Value, len(v))
		for i, item := range v {
			iv, err := ToValue(item)
			if err != nil {
				return zarrserve.Value{}, err
			}
			list[i] = iv
		}
		return zarrserve.ListValue(list...), nil
	case map[string]any:
		m, err := ToAttrs(v)
		if err != nil {
			return zarrserve.Value{}, err
		}
		return zarrserve.MapValue(m), nil
	default:
		return zarrserve.Value{}, fmt.Errorf("unsupported attribute type %T", raw)
	}
}
