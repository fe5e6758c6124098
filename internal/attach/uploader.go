// Package attach uploads field photo attachments to S3-compatible
// storage. Upload is optional: without a configured bucket the sync
// layer runs with a no-op uploader and photos stay local.
package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/verdantlab/fieldsync/internal/config"
)

// ErrNotConfigured is returned when attachment storage is not set up.
var ErrNotConfigured = errors.New("attachment storage not configured")

// Uploader stores attachments and hands out download URLs.
type Uploader interface {
	// Upload stores one attachment under the draft it belongs to and
	// returns the object name.
	Upload(ctx context.Context, draftID, filename, contentType string, data io.Reader, size int64) (string, error)

	// PresignedURL returns a time-limited download URL for an object.
	// Returns ErrNotConfigured when storage is not set up.
	PresignedURL(ctx context.Context, objectName string) (url string, expiry time.Time, err error)
}

// s3Client is the minimal minio.Client surface used by S3Uploader,
// narrowed so tests can substitute a mock.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName, contentType string, data io.Reader, size int64) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClientWrapper adapts *minio.Client to the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName, contentType string, data io.Reader, size int64) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader stores attachments in an S3-compatible bucket.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
	logger    *slog.Logger
}

// NoopUploader is used when attachment storage is not configured.
type NoopUploader struct{}

func (NoopUploader) Upload(_ context.Context, draftID, filename, _ string, _ io.Reader, _ int64) (string, error) {
	return "", ErrNotConfigured
}

func (NoopUploader) PresignedURL(context.Context, string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader builds an Uploader from configuration. An empty bucket
// yields a NoopUploader.
func NewUploader(cfg config.AttachmentsConfig, logger *slog.Logger) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: 15 * time.Minute,
		logger:    logger,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, draftID, filename, contentType string, data io.Reader, size int64) (string, error) {
	objectName := path.Join("attachments", draftID, filename)
	if err := u.client.PutObject(ctx, u.bucket, objectName, contentType, data, size); err != nil {
		return "", fmt.Errorf("upload attachment %s: %w", objectName, err)
	}
	u.logger.Info("attachment uploaded", "object", objectName, "bytes", size)
	return objectName, nil
}

func (u *S3Uploader) PresignedURL(ctx context.Context, objectName string) (string, time.Time, error) {
	signed, err := u.client.PresignedGetObject(ctx, u.bucket, objectName, u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign attachment %s: %w", objectName, err)
	}
	return signed.String(), time.Now().Add(u.urlExpiry), nil
}
