package export

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// KeyPrefix is the object prefix for archived exports.
const KeyPrefix = "exports"

// UploaderConfig contains MinIO archive settings
type UploaderConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	// Retry settings on top of the client's own retries
	MaxRetries     int
	RetryBackoff   time.Duration
	RequestTimeout time.Duration
}

// Uploader archives export files to a MinIO bucket.
type Uploader struct {
	client *minio.Client
	cfg    UploaderConfig
	logger *zap.Logger
}

// NewUploader connects and makes sure the bucket exists.
func NewUploader(ctx context.Context, cfg UploaderConfig) (*Uploader, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	u := &Uploader{
		client: client,
		cfg:    cfg,
		logger: zap.L().Named("export-archive"),
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		u.logger.Info("Created MinIO bucket", zap.String("bucket", cfg.Bucket))
	}
	return u, nil
}

// ObjectKey is the archive key of a local export file.
func ObjectKey(file string) string {
	return path.Join(KeyPrefix, filepath.Base(file))
}

// UploadFile archives the export at file and returns its object key.
// Client errors (4xx) are not retried.
func (u *Uploader) UploadFile(ctx context.Context, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open export: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat export: %w", err)
	}

	key := ObjectKey(file)
	ebo := backoff.NewExponentialBackOff()
	if u.cfg.RetryBackoff > 0 {
		ebo.InitialInterval = u.cfg.RetryBackoff
	}
	ebo.Reset()
	var bo backoff.BackOff = ebo
	if u.cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, uint64(u.cfg.MaxRetries))
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, u.cfg.RequestTimeout)
		defer cancel()
		info, err := u.client.PutObject(reqCtx, u.cfg.Bucket, key, f, stat.Size(), minio.PutObjectOptions{
			ContentType: "application/json",
		})
		if err != nil {
			if code := minio.ToErrorResponse(err).StatusCode; code >= http.StatusBadRequest && code < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		}
		u.logger.Debug("Export uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	notify := func(err error, wait time.Duration) {
		u.logger.Warn("Export upload failed, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	u.logger.Info("Export archived", zap.String("bucket", u.cfg.Bucket), zap.String("key", key))
	return key, nil
}
