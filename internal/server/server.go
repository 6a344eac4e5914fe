// Package server exposes zarrserve services over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/justapithecus/zarrserve/zarrserve"
)

// InfoKey is the dataset schema document key.
const InfoKey = "info"

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout bounds each request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// Server routes Zarr requests to dataset services:
//
//	GET /datasets
//	GET /datasets/:dataset/{.zmetadata,.zgroup,.zattrs,info}
//	GET /datasets/:dataset/:variable/:key
type Server struct {
	router   *httprouter.Router
	services map[string]*zarrserve.Service
	names    []string
	logger   *zap.Logger
	timeout  time.Duration
}

// New creates a server for services, which must have distinct names.
func New(services []*zarrserve.Service, opts ...Option) (*Server, error) {
	s := &Server{
		router:   httprouter.New(),
		services: make(map[string]*zarrserve.Service, len(services)),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, svc := range services {
		name := svc.Name()
		if name == "" {
			return nil, errors.New("server: dataset name is required")
		}
		if _, dup := s.services[name]; dup {
			return nil, fmt.Errorf("server: duplicate dataset %q", name)
		}
		s.services[name] = svc
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	// Routes share wildcard names so httprouter accepts the tree.
	s.router.GET("/datasets", s.handleList)
	s.router.GET("/datasets/:dataset/:key", s.makeHandle(s.handleDocument))
	s.router.GET("/datasets/:dataset/:key/:chunk", s.makeHandle(s.handleKey))
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, fmt.Errorf("%w: no such route", zarrserve.ErrNotFound))
	})

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rec.Header().Add("Access-Control-Allow-Origin", "*")

	if s.timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), s.timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	s.router.ServeHTTP(rec, req)

	s.logger.Info("request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", rec.status),
		zap.Int("bytes", rec.bytes),
		zap.Duration("duration", time.Since(start)),
	)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	s.logger.Info("listening", zap.String("addr", l.Addr().String()), zap.Strings("datasets", s.names))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

type handler func(w http.ResponseWriter, req *http.Request, ps httprouter.Params, svc *zarrserve.Service) error

func (s *Server) makeHandle(h handler) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		svc, ok := s.services[ps.ByName("dataset")]
		if !ok {
			s.writeError(w, fmt.Errorf("%w: dataset %q", zarrserve.ErrNotFound, ps.ByName("dataset")))
			return
		}
		if err := h(w, req, ps, svc); err != nil {
			s.logger.Debug("request failed", zap.String("path", req.URL.Path), zap.Error(err))
			s.writeError(w, err)
		}
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, s.names)
}

func (s *Server) handleDocument(w http.ResponseWriter, _ *http.Request, ps httprouter.Params, svc *zarrserve.Service) error {
	switch key := ps.ByName("key"); key {
	case zarrserve.MetadataKey:
		body, err := svc.MetadataJSON()
		if err != nil {
			return err
		}
		writeBody(w, zarrserve.ContentTypeJSON, body)
		return nil
	case zarrserve.GroupMetaKey:
		group, err := svc.Group()
		if err != nil {
			return err
		}
		s.writeJSON(w, group)
		return nil
	case zarrserve.AttrsKey:
		attrs, err := svc.Attrs()
		if err != nil {
			return err
		}
		s.writeJSON(w, attrs)
		return nil
	case InfoKey:
		info, err := svc.Info()
		if err != nil {
			return err
		}
		s.writeJSON(w, info)
		return nil
	default:
		return fmt.Errorf("%w: key %q", zarrserve.ErrNotFound, key)
	}
}

func (s *Server) handleKey(w http.ResponseWriter, req *http.Request, ps httprouter.Params, svc *zarrserve.Service) error {
	resp, err := svc.Key(req.Context(), ps.ByName("key"), ps.ByName("chunk"))
	if err != nil {
		return err
	}
	writeBody(w, resp.ContentType, resp.Body)
	return nil
}

// -----------------------------------------------------------------------------
// Responses
// -----------------------------------------------------------------------------

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, zarrserve.ErrCompute), errors.Is(err, zarrserve.ErrUnsupportedType):
		return http.StatusInternalServerError
	case errors.Is(err, zarrserve.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, zarrserve.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Detail string `json:"detail"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request error", zap.Int("status", status), zap.Error(err))
	}
	body, _ := jsonCodec.Marshal(errorBody{Detail: err.Error()})
	w.Header().Set("Content-Type", zarrserve.ContentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	body, err := jsonCodec.Marshal(v)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeBody(w, zarrserve.ContentTypeJSON, body)
}

func writeBody(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}
