package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-media/internal/domain"
	"feed-media/internal/repository"
)

func newTestRepo(t *testing.T) repository.UploadRepository {
	t.Helper()
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewUploadRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func pendingRecord(taskID, userID string) *domain.UploadRecord {
	return &domain.UploadRecord{
		TaskID:   taskID,
		BatchID:  "batch-1",
		UserID:   userID,
		Name:     taskID + ".png",
		Size:     1024,
		MIMEType: "image/png",
		State:    domain.TaskStatePending,
	}
}

func TestInitIsIdempotent(t *testing.T) {
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	defer db.Close()

	repo := NewUploadRepository(db)
	require.NoError(t, repo.Init(context.Background()))
	require.NoError(t, repo.Init(context.Background()))
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	rec := pendingRecord("t1", "u1")
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, domain.TaskStatePending, got.State)
	assert.Nil(t, got.CompletedAt)

	rec.State = domain.TaskStateComplete
	rec.Progress = domain.ProgressDone
	rec.Source = domain.SourcePrimary
	rec.FileID = "f-1"
	rec.URL = "https://cdn/f-1"
	rec.Degraded = true
	require.NoError(t, repo.Save(ctx, rec))

	got, err = repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateComplete, got.State)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, domain.SourcePrimary, got.Source)
	assert.True(t, got.Degraded)
	assert.NotNil(t, got.CompletedAt)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateProgressIsMonotone(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	require.NoError(t, repo.Save(ctx, pendingRecord("t1", "u1")))

	require.NoError(t, repo.UpdateProgress(ctx, "t1", domain.TaskStateTransferring, 55))
	require.NoError(t, repo.UpdateProgress(ctx, "t1", domain.TaskStateFallbackUploading, 10))

	got, err := repo.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFallbackUploading, got.State)
	assert.Equal(t, 55, got.Progress)
}

func TestGetByFileIDScopedToUser(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	rec := pendingRecord("t1", "u1")
	rec.State = domain.TaskStateComplete
	rec.FileID = "https://blobs/u1/posts/1_a.png"
	rec.Source = domain.SourceFallback
	rec.StorageKey = "u1/posts/1_a.png"
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.GetByFileID(ctx, "u1", rec.FileID)
	require.NoError(t, err)
	assert.Equal(t, "u1/posts/1_a.png", got.StorageKey)

	_, err = repo.GetByFileID(ctx, "u2", rec.FileID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListOrphans(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	ok := pendingRecord("ok", "u1")
	ok.State = domain.TaskStateComplete
	require.NoError(t, repo.Save(ctx, ok))

	confirm := pendingRecord("confirm", "u1")
	confirm.State = domain.TaskStateFailed
	confirm.ErrorKind = "confirm_failed"
	confirm.SessionID = "sess-1"
	require.NoError(t, repo.Save(ctx, confirm))

	transfer := pendingRecord("transfer", "u1")
	transfer.State = domain.TaskStateFailed
	transfer.ErrorKind = "fallback_upload_failed"
	require.NoError(t, repo.Save(ctx, transfer))

	require.NoError(t, repo.MarkOrphaned(ctx, "ok", "delete failed: denied"))

	orphans, err := repo.ListOrphans(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, o := range orphans {
		ids = append(ids, o.TaskID)
	}
	assert.ElementsMatch(t, []string{"ok", "confirm"}, ids)

	// a later save must not clear the orphan flag
	ok.ErrorMessage = ""
	require.NoError(t, repo.Save(ctx, ok))
	got, err := repo.Get(ctx, "ok")
	require.NoError(t, err)
	assert.True(t, got.Orphaned)

	assert.ErrorIs(t, repo.MarkOrphaned(ctx, "missing", "x"), repository.ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.Save(ctx, pendingRecord("a", "u1")))
	require.NoError(t, repo.Save(ctx, pendingRecord("b", "u1")))
	other := pendingRecord("c", "u2")
	other.BatchID = "batch-2"
	require.NoError(t, repo.Save(ctx, other))

	mine, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	batch, err := repo.ListByBatch(ctx, "u2", "batch-2")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "c", batch[0].TaskID)

	// rows of a batch are visible only to their owner
	batch, err = repo.ListByBatch(ctx, "u1", "batch-2")
	require.NoError(t, err)
	assert.Empty(t, batch)

	require.NoError(t, repo.Delete(ctx, "a"))
	assert.ErrorIs(t, repo.Delete(ctx, "a"), repository.ErrNotFound)

	mine, err = repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}
