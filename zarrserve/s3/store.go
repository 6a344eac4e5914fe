// Package s3 provides an S3-compatible object store for zarrserve.
//
// The store supports AWS S3, MinIO, LocalStack, Cloudflare R2, and other
// S3-compatible backends. It serves Parquet files and raw block sources
// through range reads.
//
// # Consistency
//
// AWS S3 provides strong read-after-write consistency. Other S3-compatible
// backends may differ; consult their documentation.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/zarrserve/zarrserve"
)

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// A trailing slash is added if missing.
	Prefix string
}

// Store implements zarrserve.Store using an S3-compatible backend.
type Store struct {
	client API
	bucket string
	prefix string
}

var (
	_ zarrserve.Store           = (*Store)(nil)
	_ zarrserve.ContextReaderAt = (*readerAt)(nil)
)

// New creates a new S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint;
// see NewClient.
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Put writes data to the given key.
// Returns zarrserve.ErrPathExists if the key already exists.
//
// The write is conditional on If-None-Match, so concurrent writers of the
// same key cannot overwrite each other.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("s3: reading body: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return zarrserve.ErrPathExists
		}
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// Get retrieves the object at key.
// Returns zarrserve.ErrNotFound if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", zarrserve.ErrNotFound, key)
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}

	return out.Body, nil
}

// ReaderAt returns an io.ReaderAt over the object at key and its size.
// The returned reader is safe for concurrent reads and implements
// zarrserve.ContextReaderAt; every ReadAt issues one ranged GetObject bound
// to ctx.
func (s *Store) ReaderAt(ctx context.Context, key string) (io.ReaderAt, int64, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, 0, err
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s", zarrserve.ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("s3: head object: %w", err)
	}

	return &readerAt{
		client:  s.client,
		bucket:  s.bucket,
		key:     fullKey,
		baseCtx: ctx,
	}, aws.ToInt64(head.ContentLength), nil
}

// readerAt implements io.ReaderAt using S3 range reads.
type readerAt struct {
	client  API
	bucket  string
	key     string
	baseCtx context.Context
}

// ReadAt implements io.ReaderAt using the context the reader was opened
// with.
func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	return r.ReadAtContext(r.baseCtx, p, off)
}

// ReadAtContext reads len(p) bytes at off with one ranged GetObject bound to
// ctx.
func (r *readerAt) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("s3: negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}

	// S3 Range header format: "bytes=start-end" (inclusive)
	end := off + int64(len(p)) - 1
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("s3: range read: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	n, err = io.ReadFull(out.Body, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

// validateKey validates and returns the full key.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", zarrserve.ErrInvalidPath
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", zarrserve.ErrInvalidPath
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", zarrserve.ErrInvalidPath
	}

	return s.prefix + cleaned, nil
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "412"
	}
	return false
}
