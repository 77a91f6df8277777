package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"feed-media/internal/domain"
)

// DefaultCategory is the path segment between the owner and the object name.
const DefaultCategory = "posts"

type FallbackConfig struct {
	Category string
	Logger   *logrus.Logger
}

// StoredObject is a blob written by the fallback path.
type StoredObject struct {
	Key string
	URL string
}

// Fallback writes candidates directly to a blob store under
// {owner}/{category}/{millis}_{name}. Timestamps never repeat within a process,
// so identical content uploaded twice lands in two objects.
type Fallback struct {
	svc      Service
	category string
	logger   *logrus.Logger
	now      func() time.Time
	last     atomic.Int64
}

func NewFallback(svc Service, cfg FallbackConfig) *Fallback {
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Fallback{
		svc:      svc,
		category: strings.Trim(cfg.Category, "/"),
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

func (f *Fallback) nextStamp() int64 {
	for {
		prev := f.last.Load()
		ts := f.now().UnixMilli()
		if ts <= prev {
			ts = prev + 1
		}
		if f.last.CompareAndSwap(prev, ts) {
			return ts
		}
	}
}

// ObjectKey returns a fresh key for name owned by userID.
func (f *Fallback) ObjectKey(userID, name string) string {
	return fmt.Sprintf("%s/%s/%d_%s", userID, f.category, f.nextStamp(), sanitizeName(name))
}

// Upload stores file and returns its key and store URL. Errors are wrapped
// under domain.ErrFallbackUploadFailed.
func (f *Fallback) Upload(ctx context.Context, userID string, file domain.FileCandidate, progress func(done, total int64)) (*StoredObject, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewUploadError(domain.ErrFallbackUploadFailed, 0, errors.New("user is not authenticated"))
	}
	if file.Content == nil {
		return nil, domain.NewUploadError(domain.ErrFallbackUploadFailed, 0, errors.New("file has no content"))
	}

	key := f.ObjectKey(userID, file.Name)
	logger := f.logger.WithFields(logrus.Fields{"key": key, "size": file.Size})

	err := f.svc.PutObject(ctx, key, file.Reader(), PutOptions{
		ContentType:      file.MIMEType,
		Size:             file.Size,
		ProgressCallback: progress,
	})
	if err != nil {
		logger.Warnf("fallback put failed: %v", err)
		return nil, domain.NewUploadError(domain.ErrFallbackUploadFailed, 0, err)
	}

	url, err := f.svc.ObjectURL(ctx, key)
	if err != nil {
		logger.Warnf("fallback url failed: %v", err)
		return nil, domain.NewUploadError(domain.ErrFallbackUploadFailed, 0, err)
	}

	logger.Info("fallback object stored")
	return &StoredObject{Key: key, URL: url}, nil
}

// URL returns a fresh store URL for key.
func (f *Fallback) URL(ctx context.Context, key string) (string, error) {
	url, err := f.svc.ObjectURL(ctx, key)
	if err != nil {
		return "", domain.NewUploadError(domain.ErrResolutionFailed, 0, err)
	}
	return url, nil
}

// Delete removes a fallback object.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	if err := f.svc.DeleteObject(ctx, key); err != nil {
		return err
	}
	f.logger.WithField("key", key).Info("fallback object deleted")
	return nil
}

// List returns the fallback objects owned by userID.
func (f *Fallback) List(ctx context.Context, userID string) ([]ObjectInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	return f.svc.ListObjects(ctx, userID+"/"+f.category+"/")
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if name == "" {
		return "file"
	}
	return name
}
