package zarrserve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Content types of Service responses.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

// Response is a served document or chunk.
type Response struct {
	ContentType string
	Body        []byte
}

// Info describes the schema of a dataset.
type Info struct {
	Dimensions       map[string]int          `json:"dimensions"`
	Variables        map[string]VariableInfo `json:"variables"`
	GlobalAttributes Attrs                   `json:"global_attributes"`
}

// VariableInfo describes one variable in an Info document.
type VariableInfo struct {
	Type       string   `json:"type"`
	Dimensions []string `json:"dimensions"`
	Attributes Attrs    `json:"attributes"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default discards all output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithName sets the dataset name used to namespace cache keys. Services that
// share a Cache must have distinct names.
func WithName(name string) Option {
	return func(s *Service) {
		s.name = name
	}
}

// Service serves the Zarr keys of one dataset.
//
// Metadata is assembled once, on first use. Encoded chunks are kept in the
// shared cache; a nil cache disables caching.
type Service struct {
	name     string
	ds       *Dataset
	cache    *Cache
	logger   *zap.Logger
	metadata func() (*ConsolidatedMetadata, error)
	flights  singleflight.Group
}

// NewService creates a service for ds.
func NewService(ds *Dataset, cache *Cache, opts ...Option) *Service {
	s := &Service{
		ds:     ds,
		cache:  cache,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metadata = sync.OnceValues(func() (*ConsolidatedMetadata, error) {
		return Assemble(ds)
	})
	return s
}

// Name returns the dataset name.
func (s *Service) Name() string {
	return s.name
}

// Dataset returns the served dataset.
func (s *Service) Dataset() *Dataset {
	return s.ds
}

// Metadata returns the consolidated metadata, assembling it on first call.
// An assembly failure is returned to every caller.
func (s *Service) Metadata() (*ConsolidatedMetadata, error) {
	return s.metadata()
}

// MetadataJSON returns the encoded .zmetadata document.
func (s *Service) MetadataJSON() ([]byte, error) {
	meta, err := s.Metadata()
	if err != nil {
		return nil, err
	}
	return marshal(meta)
}

// Group returns the .zgroup document.
func (s *Service) Group() (GroupMeta, error) {
	meta, err := s.Metadata()
	if err != nil {
		return GroupMeta{}, err
	}
	return meta.Group(), nil
}

// Attrs returns the global .zattrs document.
func (s *Service) Attrs() (Attrs, error) {
	meta, err := s.Metadata()
	if err != nil {
		return nil, err
	}
	return meta.Attrs(), nil
}

// Info returns the dataset schema. Variable attributes omit the reserved
// dimension list, which is reported separately.
func (s *Service) Info() (*Info, error) {
	meta, err := s.Metadata()
	if err != nil {
		return nil, err
	}

	info := &Info{
		Dimensions:       s.ds.Dims(),
		Variables:        make(map[string]VariableInfo, len(s.ds.Variables())),
		GlobalAttributes: meta.Attrs(),
	}
	for _, v := range s.ds.Variables() {
		attrs, err := meta.VariableAttrs(v.Name)
		if err != nil {
			return nil, err
		}
		attrs = attrs.Clone()
		delete(attrs, DimensionKey)

		info.Variables[v.Name] = VariableInfo{
			Type:       v.DType.Name(),
			Dimensions: append([]string{}, v.Dims...),
			Attributes: attrs,
		}
	}
	return info, nil
}

// Key serves key of a variable: its .zarray or .zattrs document, or an
// encoded chunk. Variables have no subgroups, so .zgroup is never found.
func (s *Service) Key(ctx context.Context, variable, key string) (Response, error) {
	meta, err := s.Metadata()
	if err != nil {
		return Response{}, err
	}
	v, ok := s.ds.Variable(variable)
	if !ok {
		return Response{}, fmt.Errorf("%w: variable %q", ErrNotFound, variable)
	}

	switch key {
	case ArrayMetaKey:
		array, err := meta.ArrayMeta(variable)
		if err != nil {
			return Response{}, err
		}
		return jsonResponse(array)
	case AttrsKey:
		attrs, err := meta.VariableAttrs(variable)
		if err != nil {
			return Response{}, err
		}
		return jsonResponse(attrs)
	case GroupMetaKey:
		return Response{}, fmt.Errorf("%w: no subgroups", ErrNotFound)
	}

	array, err := meta.ArrayMeta(variable)
	if err != nil {
		return Response{}, err
	}
	body, err := s.chunk(ctx, v, array, key)
	if err != nil {
		return Response{}, err
	}
	return Response{ContentType: ContentTypeBinary, Body: body}, nil
}

func (s *Service) chunk(ctx context.Context, v *Variable, array *ArrayMeta, id string) ([]byte, error) {
	coord, err := ParseChunkID(id, len(array.Shape))
	if err != nil {
		return nil, err
	}
	key := ChunkKey{Dataset: s.name, Variable: v.Name, Chunk: FormatChunkID(coord)}

	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			s.logger.Debug("chunk cache hit", zap.Stringer("key", key))
			return data, nil
		}
	}

	// The shared computation is not bound to any one caller's cancellation.
	flight := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key.String(), func() (any, error) {
		return s.produce(flight, v, array, coord, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrCompute, key, ctx.Err())
	}
}

// produce extracts and encodes one chunk, then stores it. Nothing is cached
// unless encoding succeeds.
func (s *Service) produce(ctx context.Context, v *Variable, array *ArrayMeta, coord []int, key ChunkKey) ([]byte, error) {
	start := time.Now()

	block, err := Extract(ctx, v, coord, array.Chunks)
	if err != nil {
		return nil, err
	}
	data, err := Encode(block, array.Filters, array.Compressor)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	cost := time.Since(start)

	if s.cache != nil {
		s.cache.Put(key, data, cost, int64(len(data)))
	}
	s.logger.Debug("chunk produced",
		zap.Stringer("key", key),
		zap.Int("bytes", len(data)),
		zap.Duration("cost", cost),
	)
	return data, nil
}

func jsonResponse(v any) (Response, error) {
	body, err := marshal(v)
	if err != nil {
		return Response{}, err
	}
	return Response{ContentType: ContentTypeJSON, Body: body}, nil
}

func marshal(v any) ([]byte, error) {
	body, err := jsonCodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("zarrserve: encode json: %w", err)
	}
	return body, nil
}
