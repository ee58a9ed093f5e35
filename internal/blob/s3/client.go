// Package s3 provides object storage access for trade archival.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Luisqbd/sniperbot/internal/config"
)

// Client wraps an S3-compatible bucket.
type Client struct {
	api      *awss3.Client
	uploader *manager.Uploader
	bucket   string
	logger   *slog.Logger
}

// NewClient builds a client for the configured bucket. A custom endpoint
// switches to path-style addressing for MinIO-style deployments.
func NewClient(ctx context.Context, cfg config.S3Config, logger *slog.Logger) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	api := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.ForcePathStyle
		}
	})

	return &Client{
		api:      api,
		uploader: manager.NewUploader(api),
		bucket:   cfg.Bucket,
		logger:   logger.With(slog.String("component", "s3")),
	}, nil
}

// Put uploads a single object.
func (c *Client) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	c.logger.Debug("object uploaded", slog.String("key", key), slog.Int("bytes", len(body)))
	return nil
}
