package uploader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"feed-media/internal/admission"
	"feed-media/internal/auth"
	"feed-media/internal/backend"
	"feed-media/internal/domain"
	"feed-media/internal/storage"
)

// Backend is the primary upload path.
type Backend interface {
	Negotiate(ctx context.Context, id auth.Identity, file domain.FileMeta, parentID string) (*domain.UploadSession, error)
	Transfer(ctx context.Context, id auth.Identity, file domain.FileCandidate, session domain.UploadSession, progress backend.ProgressFunc) error
	Confirm(ctx context.Context, id auth.Identity, session domain.UploadSession, file domain.FileMeta, parentID string) (*domain.ConfirmedFile, error)
	ResolveDownloadURL(ctx context.Context, id auth.Identity, fileID string) (string, error)
}

// FallbackStore is the direct blob store path.
type FallbackStore interface {
	Upload(ctx context.Context, userID string, file domain.FileCandidate, progress func(done, total int64)) (*storage.StoredObject, error)
	URL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Ledger persists task outcomes for reconciliation.
type Ledger interface {
	Record(ctx context.Context, task *domain.UploadTask) error
	RecordProgress(ctx context.Context, taskID string, state domain.TaskState, progress int) error
	FindByFileID(ctx context.Context, userID, fileID string) (*domain.UploadRecord, error)
	MarkOrphaned(ctx context.Context, taskID string, cause error) error
	Forget(ctx context.Context, taskID string) error
}

type QuotaRefresher interface {
	RefreshQuota(ctx context.Context, id auth.Identity) error
}

// CompletionNotifier hands completed uploads to downstream record creation.
type CompletionNotifier interface {
	UploadCompleted(ctx context.Context, task domain.UploadTask) error
}

// Manager drives admitted files through the upload state machine.
type Manager interface {
	Upload(ctx context.Context, batch *Batch, id auth.Identity, files []domain.FileCandidate, parentID string) (*domain.BatchReport, error)
	Tasks(userID string) []domain.UploadTask
	Subscribe(ctx context.Context, userID string) <-chan Event
	ResolveURL(ctx context.Context, id auth.Identity, fileID string) (string, error)
	Discard(ctx context.Context, id auth.Identity, fileID string, batch *Batch) (*DiscardResult, error)
	Shutdown()
}

const (
	DefaultWorkers      = 1
	DefaultDisplayGrace = 2 * time.Second

	ledgerProgressStep = 10
)

type Config struct {
	// Workers bounds concurrently running pipelines. Pipelines start in
	// submission order; 1 processes a batch strictly one file at a time.
	Workers      int
	DisplayGrace time.Duration
	Logger       *logrus.Logger
}

type Deps struct {
	Backend  Backend
	Fallback FallbackStore
	Filter   *admission.Filter
	Ledger   Ledger
	Quota    QuotaRefresher
	Notifier CompletionNotifier
	Metrics  *Metrics
	Events   *Broadcaster
}

// DiscardResult reports a detached file. Warning carries a storage failure
// that was recorded for reconciliation instead of being returned.
type DiscardResult struct {
	Deleted  bool   `json:"deleted"`
	Released bool   `json:"released"`
	Warning  string `json:"warning,omitempty"`
}

type manager struct {
	cfg  Config
	deps Deps
	sem  *semaphore.Weighted

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	seq     uint64
	visible map[string]*taskEntry
	timers  map[string]*time.Timer
}

type taskEntry struct {
	seq  uint64
	task domain.UploadTask

	ledgerMu       sync.Mutex
	ledgerProgress int
}

func NewManager(cfg Config, deps Deps) (Manager, error) {
	if deps.Backend == nil {
		return nil, errors.New("uploader: backend is required")
	}
	if deps.Fallback == nil {
		return nil, errors.New("uploader: fallback store is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DisplayGrace <= 0 {
		cfg.DisplayGrace = DefaultDisplayGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if deps.Filter == nil {
		deps.Filter = admission.NewFilter(admission.Config{Logger: cfg.Logger})
	}
	if deps.Events == nil {
		deps.Events = NewBroadcaster()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &manager{
		cfg:     cfg,
		deps:    deps,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:     ctx,
		cancel:  cancel,
		visible: make(map[string]*taskEntry),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Upload admits files into batch and runs every admitted file to a terminal
// state. Results and errors are reported in submission order.
func (m *manager) Upload(ctx context.Context, batch *Batch, id auth.Identity, files []domain.FileCandidate, parentID string) (*domain.BatchReport, error) {
	if batch == nil {
		return nil, errors.New("batch is required")
	}
	if id == nil || id.UserID() == "" {
		return nil, auth.ErrUnauthenticated
	}
	if !batch.usableBy(id.UserID()) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batch.ID)
	}

	report := &domain.BatchReport{BatchID: batch.ID}
	var admitted []domain.FileCandidate
	batch.admit(func(remaining int) int {
		admitted, report.Rejections, report.Truncated = m.deps.Filter.Admit(files, remaining)
		return len(admitted)
	})
	for _, r := range report.Rejections {
		m.deps.Metrics.observeRejection(r.Err)
	}
	if report.Truncated > 0 {
		m.cfg.Logger.WithField("batch_id", batch.ID).Infof("batch full, %d file(s) not admitted", report.Truncated)
	}
	if len(admitted) == 0 {
		return report, nil
	}

	// Started pipelines outlive the caller's ctx and stop only on Shutdown.
	// The caller's ctx keeps files that have not started from starting.
	pipeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	entries := make([]*taskEntry, len(admitted))
	for i, file := range admitted {
		entries[i] = m.register(pipeCtx, batch.ID, id.UserID(), parentID, file)
	}

	var wg sync.WaitGroup
	for i, entry := range entries {
		err := ctx.Err()
		if err == nil {
			err = m.sem.Acquire(ctx, 1)
		}
		if err == nil {
			err = m.ctx.Err()
			if err != nil {
				m.sem.Release(1)
			}
		}
		if err != nil {
			for _, rest := range entries[i:] {
				m.failTask(pipeCtx, batch, rest, fmt.Errorf("upload not started: %w", err))
			}
			break
		}
		wg.Add(1)
		m.wg.Add(1)
		go func(file domain.FileCandidate, entry *taskEntry) {
			defer m.wg.Done()
			defer wg.Done()
			defer m.sem.Release(1)
			m.runPipeline(pipeCtx, batch, id, file, entry)
		}(admitted[i], entry)
	}
	wg.Wait()

	for _, entry := range entries {
		task := m.snapshot(entry)
		report.Tasks = append(report.Tasks, task)
		switch task.State {
		case domain.TaskStateComplete:
			report.Results = append(report.Results, *task.Result)
		case domain.TaskStateFailed:
			report.Errors = append(report.Errors, domain.PerFileError{TaskID: task.ID, FileName: task.File.Name, Err: task.Err})
		}
	}
	return report, nil
}

func (m *manager) register(ctx context.Context, batchID, userID, parentID string, file domain.FileCandidate) *taskEntry {
	now := time.Now()
	m.mu.Lock()
	m.seq++
	entry := &taskEntry{
		seq: m.seq,
		task: domain.UploadTask{
			ID:        uuid.NewString(),
			BatchID:   batchID,
			UserID:    userID,
			ParentID:  parentID,
			File:      file.Meta(),
			State:     domain.TaskStatePending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	m.visible[entry.task.ID] = entry
	m.deps.Events.Publish(eventFromTask(&entry.task))
	snapshot := entry.task
	m.mu.Unlock()

	m.record(ctx, entry, &snapshot)
	return entry
}

func (m *manager) runPipeline(ctx context.Context, batch *Batch, id auth.Identity, file domain.FileCandidate, entry *taskEntry) {
	started := time.Now()
	m.deps.Metrics.pipelineStarted()
	defer m.deps.Metrics.pipelineFinished()

	logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": entry.task.ID, "file": file.Name})
	parentID := entry.task.ParentID
	meta := file.Meta()

	m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.State = domain.TaskStateNegotiating
	})
	session, err := m.deps.Backend.Negotiate(ctx, id, meta, parentID)
	if err != nil {
		m.failover(ctx, batch, id, file, entry, domain.TaskStateNegotiating, err, started)
		return
	}

	m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.Session = session
		t.State = domain.TaskStateTransferring
		t.Progress = max(t.Progress, domain.ProgressNegotiated)
	})
	err = m.deps.Backend.Transfer(ctx, id, file, *session, func(percent int) {
		m.progress(ctx, entry, domain.TaskStateTransferring, percent)
	})
	if err != nil {
		m.failover(ctx, batch, id, file, entry, domain.TaskStateTransferring, err, started)
		return
	}

	m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.State = domain.TaskStateConfirming
		t.Progress = max(t.Progress, domain.ProgressTransferred)
	})
	confirmed, err := m.deps.Backend.Confirm(ctx, id, *session, meta, parentID)
	if err != nil {
		// the proxy already holds the bytes; a fallback copy would be a duplicate
		logger.WithFields(logrus.Fields{
			"session_id":  session.SessionID,
			"storage_key": session.StorageKey,
		}).Errorf("confirm failed, upload needs reconciliation: %v", err)
		m.failTask(ctx, batch, entry, err)
		m.deps.Metrics.observeTerminal(ptr(m.snapshot(entry)), started)
		return
	}

	m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.State = domain.TaskStateResolving
	})
	result := domain.UploadResult{FileID: confirmed.FileID, URL: confirmed.FileURL, Source: domain.SourcePrimary}
	url, err := m.deps.Backend.ResolveDownloadURL(ctx, id, confirmed.FileID)
	if err != nil {
		logger.Warnf("download url unavailable, result degraded: %v", err)
		result.Degraded = true
	} else {
		result.URL = url
	}

	m.completeTask(ctx, entry, result, started)
	if m.deps.Quota != nil {
		if err := m.deps.Quota.RefreshQuota(ctx, id); err != nil {
			logger.Warnf("quota refresh failed: %v", err)
		}
	}
}

// failover runs the fallback path once after a negotiation or transfer failure.
func (m *manager) failover(ctx context.Context, batch *Batch, id auth.Identity, file domain.FileCandidate, entry *taskEntry, step domain.TaskState, cause error, started time.Time) {
	logger := m.cfg.Logger.WithField("task_id", entry.task.ID)
	logger.Warnf("primary path failed while %s, switching to fallback store: %v", step, cause)
	m.deps.Metrics.observeFailover(step)

	m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.State = domain.TaskStateFallbackUploading
		t.Source = domain.SourceFallback
	})
	obj, err := m.deps.Fallback.Upload(ctx, id.UserID(), file, func(done, total int64) {
		m.progress(ctx, entry, domain.TaskStateFallbackUploading, fallbackPercent(done, total))
	})
	if err != nil {
		m.failTask(ctx, batch, entry, fmt.Errorf("%w (primary: %v)", err, cause))
		m.deps.Metrics.observeTerminal(ptr(m.snapshot(entry)), started)
		return
	}

	m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.BlobKey = obj.Key
	})
	m.completeTask(ctx, entry, domain.UploadResult{FileID: obj.URL, URL: obj.URL, Source: domain.SourceFallback}, started)
}

func fallbackPercent(done, total int64) int {
	if total <= 0 {
		return domain.ProgressNegotiated
	}
	span := int64(domain.ProgressTransferred - domain.ProgressNegotiated)
	pct := domain.ProgressNegotiated + int(done*span/total)
	return min(pct, domain.ProgressTransferred)
}

// transition applies fn to the task, publishes the new snapshot and records it.
func (m *manager) transition(ctx context.Context, entry *taskEntry, fn func(t *domain.UploadTask)) domain.UploadTask {
	m.mu.Lock()
	fn(&entry.task)
	entry.task.UpdatedAt = time.Now()
	m.deps.Events.Publish(eventFromTask(&entry.task))
	snapshot := entry.task
	m.mu.Unlock()

	m.record(ctx, entry, &snapshot)
	return snapshot
}

// progress raises the task percentage while it is still in state. Late or
// stale callbacks are dropped, so observers only ever see it increase.
func (m *manager) progress(ctx context.Context, entry *taskEntry, state domain.TaskState, percent int) {
	m.mu.Lock()
	if entry.task.State != state || percent <= entry.task.Progress {
		m.mu.Unlock()
		return
	}
	entry.task.Progress = percent
	entry.task.UpdatedAt = time.Now()
	m.deps.Events.Publish(eventFromTask(&entry.task))
	m.mu.Unlock()

	if m.deps.Ledger == nil {
		return
	}
	entry.ledgerMu.Lock()
	defer entry.ledgerMu.Unlock()
	if percent-entry.ledgerProgress < ledgerProgressStep {
		return
	}
	m.mu.Lock()
	current := entry.task.State
	m.mu.Unlock()
	if current != state {
		return
	}
	entry.ledgerProgress = percent
	if err := m.deps.Ledger.RecordProgress(context.WithoutCancel(ctx), entry.task.ID, state, percent); err != nil {
		m.cfg.Logger.WithField("task_id", entry.task.ID).Warnf("ledger progress: %v", err)
	}
}

func (m *manager) record(ctx context.Context, entry *taskEntry, snapshot *domain.UploadTask) {
	if m.deps.Ledger == nil {
		return
	}
	entry.ledgerMu.Lock()
	defer entry.ledgerMu.Unlock()
	entry.ledgerProgress = max(entry.ledgerProgress, snapshot.Progress)
	if err := m.deps.Ledger.Record(context.WithoutCancel(ctx), snapshot); err != nil {
		m.cfg.Logger.WithField("task_id", snapshot.ID).Warnf("ledger write: %v", err)
	}
}

func (m *manager) completeTask(ctx context.Context, entry *taskEntry, result domain.UploadResult, started time.Time) {
	task := m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.State = domain.TaskStateComplete
		t.Progress = domain.ProgressDone
		t.Source = result.Source
		t.Result = &result
	})
	m.deps.Metrics.observeTerminal(&task, started)

	m.cfg.Logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"file_id": result.FileID,
		"source":  result.Source,
	}).Info("upload complete")

	m.mu.Lock()
	if m.ctx.Err() == nil {
		m.timers[task.ID] = time.AfterFunc(m.cfg.DisplayGrace, func() { m.hide(task.ID) })
	}
	m.mu.Unlock()

	if m.deps.Notifier != nil {
		if err := m.deps.Notifier.UploadCompleted(context.WithoutCancel(ctx), task); err != nil {
			m.cfg.Logger.WithField("task_id", task.ID).Warnf("completion notify failed: %v", err)
		}
	}
}

func (m *manager) failTask(ctx context.Context, batch *Batch, entry *taskEntry, failErr error) {
	task := m.transition(ctx, entry, func(t *domain.UploadTask) {
		t.State = domain.TaskStateFailed
		t.Err = failErr
	})
	batch.Release(1)
	m.hide(task.ID)
	m.cfg.Logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"kind":    domain.ErrorKind(failErr),
	}).Error(failErr.Error())
}

func (m *manager) hide(taskID string) {
	m.mu.Lock()
	delete(m.visible, taskID)
	delete(m.timers, taskID)
	m.mu.Unlock()
}

func (m *manager) snapshot(entry *taskEntry) domain.UploadTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return entry.task
}

// Tasks returns the visible tasks of userID (all users when empty) in admission order.
func (m *manager) Tasks(userID string) []domain.UploadTask {
	m.mu.Lock()
	entries := make([]*taskEntry, 0, len(m.visible))
	for _, e := range m.visible {
		if userID == "" || e.task.UserID == userID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	tasks := make([]domain.UploadTask, len(entries))
	for i, e := range entries {
		tasks[i] = e.task
	}
	m.mu.Unlock()
	return tasks
}

func (m *manager) Subscribe(ctx context.Context, userID string) <-chan Event {
	var filter func(Event) bool
	if userID != "" {
		filter = func(ev Event) bool { return ev.UserID == userID }
	}
	return m.deps.Events.Subscribe(ctx, filter)
}

// ResolveURL returns a fresh URL for a completed file. Fallback files are
// resolved against the blob store, primary files against the backend.
func (m *manager) ResolveURL(ctx context.Context, id auth.Identity, fileID string) (string, error) {
	if m.deps.Ledger != nil {
		rec, err := m.deps.Ledger.FindByFileID(ctx, id.UserID(), fileID)
		if err == nil && rec.Source == domain.SourceFallback && rec.StorageKey != "" {
			return m.deps.Fallback.URL(ctx, rec.StorageKey)
		}
	}
	return m.deps.Backend.ResolveDownloadURL(ctx, id, fileID)
}

// Discard detaches a completed file and deletes fallback objects. The batch
// slot is released only for a file the ledger places in that batch, and the
// ledger row is dropped so the same file cannot be released twice. A storage
// failure is logged, flagged in the ledger and reported as a warning; it is
// never returned as an error.
func (m *manager) Discard(ctx context.Context, id auth.Identity, fileID string, batch *Batch) (*DiscardResult, error) {
	if id == nil || id.UserID() == "" {
		return nil, auth.ErrUnauthenticated
	}
	if batch != nil && !batch.usableBy(id.UserID()) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batch.ID)
	}
	if m.deps.Ledger == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrFileNotFound, fileID)
	}
	rec, err := m.deps.Ledger.FindByFileID(ctx, id.UserID(), fileID)
	if err != nil {
		return nil, err
	}

	res := &DiscardResult{}
	if batch != nil && rec.BatchID == batch.ID && rec.State == domain.TaskStateComplete {
		batch.Release(1)
		res.Released = true
	}

	logger := m.cfg.Logger.WithFields(logrus.Fields{"task_id": rec.TaskID, "file_id": fileID})
	if rec.Source == domain.SourceFallback && rec.StorageKey != "" {
		logger = logger.WithField("key", rec.StorageKey)
		if err := m.deps.Fallback.Delete(ctx, rec.StorageKey); err != nil {
			logger.Warnf("fallback delete failed, object left for reconciliation: %v", err)
			if markErr := m.deps.Ledger.MarkOrphaned(context.WithoutCancel(ctx), rec.TaskID, err); markErr != nil {
				logger.Errorf("flag orphan: %v", markErr)
			}
			res.Warning = err.Error()
			return res, nil
		}
		res.Deleted = true
	}
	if err := m.deps.Ledger.Forget(context.WithoutCancel(ctx), rec.TaskID); err != nil {
		logger.Warnf("forget ledger row: %v", err)
	}
	return res, nil
}

func (m *manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.cfg.Logger.Info("upload manager stopped")
}

func ptr[T any](v T) *T { return &v }

var _ Manager = (*manager)(nil)
