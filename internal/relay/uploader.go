package relay

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/config"
)

// Uploader writes an object to durable storage under key.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// NewUploader picks the uploader named by cfg.Driver.
func NewUploader(ctx context.Context, cfg config.StorageConfig) (Uploader, error) {
	switch cfg.Driver {
	case "s3":
		return NewS3Uploader(ctx, cfg)
	case "local":
		return &LocalUploader{BaseDir: cfg.LocalPath}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// LocalUploader stores objects on the local filesystem.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) error {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// S3Uploader stores objects in an S3-compatible bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func NewS3Uploader(ctx context.Context, cfg config.StorageConfig) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	})
	return &S3Uploader{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// sanitizeKey keeps keys relative and free of traversal segments.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
