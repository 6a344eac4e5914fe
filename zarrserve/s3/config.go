package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig holds configuration for creating an S3 client.
type ClientConfig struct {
	// Region is the AWS region (required).
	Region string

	// Endpoint is an optional custom endpoint URL for S3-compatible
	// services, for example "http://localhost:9000" for MinIO.
	Endpoint string

	// UsePathStyle enables path-style addressing instead of virtual-hosted
	// style. Required by LocalStack and MinIO with default settings.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. If both are
	// empty, the default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates a new S3 client with the given configuration.
//
// For MinIO:
//
//	client, err := s3.NewClient(ctx, s3.ClientConfig{
//	    Region:          "us-east-1",
//	    Endpoint:        "http://localhost:9000",
//	    UsePathStyle:    true,
//	    AccessKeyID:     "minioadmin",
//	    SecretAccessKey: "minioadmin",
//	})
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, clientOptions(cfg)...), nil
}

func clientOptions(cfg ClientConfig) []func(*s3.Options) {
	var s3Opts []func(*s3.Options)

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3Opts
}
