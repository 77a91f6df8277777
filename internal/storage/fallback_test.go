package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-media/internal/domain"
)

type memService struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
	urlErr  error
	delErr  error
}

func newMemService() *memService {
	return &memService{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memService) PutObject(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	if m.putErr != nil {
		return m.putErr
	}
	progress := newProgressReporter(opts.Size, opts.ProgressCallback)
	if progress != nil {
		body = io.TeeReader(body, progress)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.types[key] = opts.ContentType
	m.mu.Unlock()
	if progress != nil {
		progress.flush()
	}
	return nil
}

func (m *memService) ObjectURL(ctx context.Context, key string) (string, error) {
	if m.urlErr != nil {
		return "", m.urlErr
	}
	return joinPublicURL("https://blobs.example.com/bucket", key), nil
}

func (m *memService) DeleteObject(ctx context.Context, key string) error {
	if m.delErr != nil {
		return m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memService) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func candidate(name string, data []byte) domain.FileCandidate {
	return domain.FileCandidate{Name: name, Size: int64(len(data)), MIMEType: "image/jpeg", Content: bytes.NewReader(data)}
}

func TestFallbackUpload(t *testing.T) {
	svc := newMemService()
	fb := NewFallback(svc, FallbackConfig{Logger: quietLogger()})
	fb.now = func() time.Time { return time.UnixMilli(1700000000000) }

	var last int64
	obj, err := fb.Upload(context.Background(), "uid-1", candidate("cat photo.jpg", []byte("meow")), func(done, total int64) { last = done })
	require.NoError(t, err)

	assert.Equal(t, "uid-1/posts/1700000000000_cat photo.jpg", obj.Key)
	assert.Equal(t, "https://blobs.example.com/bucket/uid-1/posts/1700000000000_cat%20photo.jpg", obj.URL)
	assert.Equal(t, []byte("meow"), svc.objects[obj.Key])
	assert.Equal(t, "image/jpeg", svc.types[obj.Key])
	assert.EqualValues(t, 4, last)
}

func TestFallbackKeysStrictlyIncrease(t *testing.T) {
	fb := NewFallback(newMemService(), FallbackConfig{Category: "/media/", Logger: quietLogger()})
	fb.now = func() time.Time { return time.UnixMilli(5000) }

	k1 := fb.ObjectKey("u", "a.png")
	k2 := fb.ObjectKey("u", "a.png")
	k3 := fb.ObjectKey("u", "dir/b.png")
	assert.Equal(t, "u/media/5000_a.png", k1)
	assert.Equal(t, "u/media/5001_a.png", k2)
	assert.Equal(t, "u/media/5002_dir_b.png", k3)
}

func TestFallbackKeysUniqueUnderConcurrency(t *testing.T) {
	fb := NewFallback(newMemService(), FallbackConfig{Logger: quietLogger()})

	const n = 200
	keys := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys <- fb.ObjectKey("u", "same.png")
		}()
	}
	wg.Wait()
	close(keys)

	seen := map[string]bool{}
	for k := range keys {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
	assert.Len(t, seen, n)
}

func TestFallbackUploadErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no user", func(t *testing.T) {
		fb := NewFallback(newMemService(), FallbackConfig{Logger: quietLogger()})
		_, err := fb.Upload(ctx, "", candidate("a.png", []byte("x")), nil)
		assert.ErrorIs(t, err, domain.ErrFallbackUploadFailed)
	})

	t.Run("put fails", func(t *testing.T) {
		svc := newMemService()
		svc.putErr = errors.New("bucket gone")
		fb := NewFallback(svc, FallbackConfig{Logger: quietLogger()})
		_, err := fb.Upload(ctx, "u", candidate("a.png", []byte("x")), nil)
		assert.ErrorIs(t, err, domain.ErrFallbackUploadFailed)
		assert.Contains(t, err.Error(), "bucket gone")
	})

	t.Run("url fails", func(t *testing.T) {
		svc := newMemService()
		svc.urlErr = errors.New("cannot sign")
		fb := NewFallback(svc, FallbackConfig{Logger: quietLogger()})
		_, err := fb.Upload(ctx, "u", candidate("a.png", []byte("x")), nil)
		assert.ErrorIs(t, err, domain.ErrFallbackUploadFailed)
	})
}

func TestFallbackDeleteAndList(t *testing.T) {
	ctx := context.Background()
	svc := newMemService()
	fb := NewFallback(svc, FallbackConfig{Logger: quietLogger()})

	obj, err := fb.Upload(ctx, "u1", candidate("a.png", []byte("x")), nil)
	require.NoError(t, err)
	_, err = fb.Upload(ctx, "u2", candidate("b.png", []byte("y")), nil)
	require.NoError(t, err)

	listed, err := fb.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, obj.Key, listed[0].Key)

	require.NoError(t, fb.Delete(ctx, obj.Key))
	listed, err = fb.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, listed)

	svc.delErr = errors.New("denied")
	assert.Error(t, fb.Delete(ctx, "u2/posts/x"))
}

func TestJoinPublicURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com/u/posts/1_a%23b.png", joinPublicURL("https://cdn.example.com/", "u/posts/1_a#b.png"))
}
