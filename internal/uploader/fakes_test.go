package uploader

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
	"github.com/stretchr/testify/require"

	"feed-media/internal/auth"
	"feed-media/internal/backend"
	"feed-media/internal/domain"
	"feed-media/internal/repository/sqlite"
	"feed-media/internal/service"
	"feed-media/internal/storage"
)

var errBoom = errors.New("boom")

type fakeBackend struct {
	mu    sync.Mutex
	calls []string

	failNegotiate map[string]error
	failTransfer  map[string]error
	failConfirm   map[string]error
	failResolve   map[string]error
	delay         map[string]time.Duration

	active    int
	maxActive int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		failNegotiate: map[string]error{},
		failTransfer:  map[string]error{},
		failConfirm:   map[string]error{},
		failResolve:   map[string]error{},
		delay:         map[string]time.Duration{},
	}
}

func (f *fakeBackend) note(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeBackend) callsFor(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if _, file, _ := strings.Cut(c, ":"); file == name {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBackend) Negotiate(ctx context.Context, id auth.Identity, file domain.FileMeta, parentID string) (*domain.UploadSession, error) {
	f.note("negotiate:" + file.Name)
	if _, err := id.CurrentToken(ctx); err != nil {
		return nil, domain.NewUploadError(domain.ErrSessionNegotiationFailed, 0, err)
	}

	f.mu.Lock()
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if d := f.delay[file.Name]; d > 0 {
		time.Sleep(d)
	}
	if err := f.failNegotiate[file.Name]; err != nil {
		return nil, domain.NewUploadError(domain.ErrSessionNegotiationFailed, 503, err)
	}
	return &domain.UploadSession{SessionID: "sess-" + file.Name, StorageKey: "key/" + file.Name}, nil
}

func (f *fakeBackend) Transfer(ctx context.Context, id auth.Identity, file domain.FileCandidate, session domain.UploadSession, progress backend.ProgressFunc) error {
	f.note("transfer:" + file.Name)
	for _, p := range []int{10, 35, 35, 60, 90} {
		progress(p)
	}
	if err := f.failTransfer[file.Name]; err != nil {
		return domain.NewUploadError(domain.ErrProxyTransferFailed, 502, err)
	}
	return nil
}

func (f *fakeBackend) Confirm(ctx context.Context, id auth.Identity, session domain.UploadSession, file domain.FileMeta, parentID string) (*domain.ConfirmedFile, error) {
	f.note("confirm:" + file.Name)
	if err := f.failConfirm[file.Name]; err != nil {
		return nil, domain.NewUploadError(domain.ErrConfirmFailed, 500, err)
	}
	return &domain.ConfirmedFile{FileID: "fid-" + file.Name, FileURL: "https://backend/files/" + file.Name}, nil
}

func (f *fakeBackend) ResolveDownloadURL(ctx context.Context, id auth.Identity, fileID string) (string, error) {
	f.note("resolve:" + fileID[len("fid-"):])
	if err := f.failResolve[fileID[len("fid-"):]]; err != nil {
		return "", domain.NewUploadError(domain.ErrResolutionFailed, 500, err)
	}
	return "https://signed/" + fileID, nil
}

type fakeFallback struct {
	mu        sync.Mutex
	uploads   []string
	deleted   []string
	uploadErr error
	deleteErr error
}

func (f *fakeFallback) Upload(ctx context.Context, userID string, file domain.FileCandidate, progress func(done, total int64)) (*storage.StoredObject, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, file.Name)
	f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, domain.NewUploadError(domain.ErrFallbackUploadFailed, 0, f.uploadErr)
	}
	if progress != nil {
		progress(file.Size/2, file.Size)
		progress(file.Size, file.Size)
	}
	key := userID + "/posts/1_" + file.Name
	return &storage.StoredObject{Key: key, URL: "https://blobs.test/" + key}, nil
}

func (f *fakeFallback) URL(ctx context.Context, key string) (string, error) {
	return "https://blobs.test/fresh/" + key, nil
}

func (f *fakeFallback) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeFallback) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// countingIdentity records how many tokens were handed out.
type countingIdentity struct {
	mu    sync.Mutex
	calls int
}

func (c *countingIdentity) UserID() string { return "user-1" }

func (c *countingIdentity) CurrentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return "token", nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func pngFile(name string, size int) domain.FileCandidate {
	data := bytes.Repeat([]byte{0xAB}, size)
	return domain.FileCandidate{Name: name, Size: int64(size), MIMEType: "image/png", Content: bytes.NewReader(data)}
}

func newLedger(t *testing.T) service.UploadService {
	t.Helper()
	db, err := sqlite.Open(sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := sqlite.NewUploadRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return service.NewUploadService(repo)
}

type harness struct {
	mgr      Manager
	backend  *fakeBackend
	fallback *fakeFallback
	ledger   service.UploadService
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(),
		fallback: &fakeFallback{},
		ledger:   newLedger(t),
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	mgr, err := NewManager(cfg, Deps{
		Backend:  h.backend,
		Fallback: h.fallback,
		Ledger:   h.ledger,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)
	h.mgr = mgr
	return h
}

// collectEvents reads events until want tasks have reached a terminal state.
func collectEvents(t *testing.T, ch <-chan Event, want int) map[string][]Event {
	t.Helper()
	out := map[string][]Event{}
	terminal := 0
	deadline := time.After(5 * time.Second)
	for terminal < want {
		select {
		case ev := <-ch:
			out[ev.TaskID] = append(out[ev.TaskID], ev)
			if ev.State.Terminal() {
				terminal++
			}
		case <-deadline:
			t.Errorf("timed out waiting for %d terminal events, got %d", want, terminal)
			return out
		}
	}
	return out
}
