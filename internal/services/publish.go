package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/pdf2epub/internal/config"
	"github.com/Lllllllleong/pdf2epub/internal/gcp"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const epubContentType = "application/epub+zip"

// Publisher copies a rendered EPUB to a remote sink and returns its location.
type Publisher interface {
	Publish(ctx context.Context, epubPath string) (string, error)
}

// GCSPublisher uploads EPUBs to a Cloud Storage bucket.
type GCSPublisher struct {
	client    *storage.Client
	bucket    string
	prefix    string
	overwrite bool
}

func NewGCSPublisher(ctx context.Context, cfg config.PublishConfig) (*GCSPublisher, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("PUBLISH_GCS_BUCKET must be set")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSPublisher{client: client, bucket: cfg.GCSBucket, prefix: cfg.Prefix, overwrite: cfg.Overwrite}, nil
}

func (p *GCSPublisher) Publish(ctx context.Context, epubPath string) (string, error) {
	f, err := os.Open(epubPath)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", epubPath, err)
	}
	defer f.Close()

	objectName := p.prefix + filepath.Base(epubPath)
	if _, err := gcp.SaveToGCS(ctx, p.client.Bucket(p.bucket), objectName, f, epubContentType, p.overwrite); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", p.bucket, objectName), nil
}

func (p *GCSPublisher) Close() error {
	return p.client.Close()
}

// S3Publisher uploads EPUBs to an S3-compatible bucket.
type S3Publisher struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Publisher(ctx context.Context, cfg config.PublishConfig) (*S3Publisher, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3Secure,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.S3Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.S3Bucket)
	}
	return &S3Publisher{client: client, bucket: cfg.S3Bucket, prefix: cfg.Prefix}, nil
}

func (p *S3Publisher) Publish(ctx context.Context, epubPath string) (string, error) {
	key := p.prefix + filepath.Base(epubPath)
	_, err := p.client.FPutObject(ctx, p.bucket, key, epubPath, minio.PutObjectOptions{
		ContentType:  epubContentType,
		UserMetadata: map[string]string{"uploaded-at": time.Now().Format(time.RFC3339)},
	})
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}

// NewPublishers builds every sink enabled in cfg. An empty slice means publishing is off.
func NewPublishers(ctx context.Context, cfg config.PublishConfig) ([]Publisher, error) {
	var pubs []Publisher
	if cfg.GCSBucket != "" {
		p, err := NewGCSPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
		slog.Info("GCS publishing enabled.", "bucket", cfg.GCSBucket)
	}
	if cfg.S3Endpoint != "" {
		p, err := NewS3Publisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
		slog.Info("S3 publishing enabled.", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	}
	return pubs, nil
}
