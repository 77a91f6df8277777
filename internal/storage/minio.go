package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBaseURL string
	URLExpiry     time.Duration
}

// MinioService stores fallback objects in a MinIO bucket.
type MinioService struct {
	client *minio.Client
	cfg    MinioConfig
	logger *logrus.Logger
}

// NewMinioService connects to MinIO and creates the bucket when it is missing.
func NewMinioService(ctx context.Context, cfg MinioConfig, logger *logrus.Logger) (*MinioService, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = DefaultURLExpiry
	}
	if logger == nil {
		logger = logrus.New()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		logger.Infof("created minio bucket %s", cfg.Bucket)
	}

	return &MinioService{client: client, cfg: cfg, logger: logger}, nil
}

func (m *MinioService) PutObject(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	if key == "" {
		return errors.New("object key is required")
	}

	progress := newProgressReporter(opts.Size, opts.ProgressCallback)
	reader := body
	if progress != nil {
		reader = io.TeeReader(body, progress)
	}

	size := opts.Size
	if size <= 0 {
		size = -1
	}
	_, err := m.client.PutObject(ctx, m.cfg.Bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: opts.ContentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	if progress != nil {
		progress.flush()
	}
	return nil
}

func (m *MinioService) ObjectURL(ctx context.Context, key string) (string, error) {
	if m.cfg.PublicBaseURL != "" {
		return joinPublicURL(m.cfg.PublicBaseURL, key), nil
	}
	u, err := m.client.PresignedGetObject(ctx, m.cfg.Bucket, key, m.cfg.URLExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (m *MinioService) DeleteObject(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("object key is required")
	}
	if err := m.client.RemoveObject(ctx, m.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	m.logger.WithFields(logrus.Fields{"key": key, "bucket": m.cfg.Bucket}).Info("object deleted")
	return nil
}

func (m *MinioService) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		modified := obj.LastModified
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: &modified,
		})
	}
	return objects, nil
}

var _ Service = (*MinioService)(nil)
