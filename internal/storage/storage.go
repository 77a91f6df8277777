package storage

import (
	"context"
	"io"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// PutOptions conveys object metadata for a single put.
type PutOptions struct {
	ContentType      string
	Size             int64
	ProgressCallback func(done, total int64)
}

// Service is a blob store bound to one bucket.
type Service interface {
	PutObject(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	ObjectURL(ctx context.Context, key string) (string, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
