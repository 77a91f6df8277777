package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feed-media/internal/domain"
	"feed-media/internal/repository"
)

const (
	createUploadsTable = `
CREATE TABLE IF NOT EXISTS uploads (
	task_id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	mime TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL DEFAULT '',
	file_id TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
`
	uploadColumns = `task_id, batch_id, user_id, parent_id, name, size, mime, state, progress, source, session_id, storage_key, file_id, url, error_kind, error_message, degraded, orphaned, created_at, updated_at, completed_at`
)

type UploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) repository.UploadRepository {
	return &UploadRepository{db: db}
}

func (r *UploadRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createUploadsTable); err != nil {
		return fmt.Errorf("create uploads table: %w", err)
	}
	if err := r.ensureUploadColumns(ctx); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_uploads_user_file ON uploads(user_id, file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_batch ON uploads(batch_id)`,
	} {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create uploads index: %w", err)
		}
	}
	return nil
}

// ensureUploadColumns adds the reconciliation flags to ledgers created before they existed.
func (r *UploadRepository) ensureUploadColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(uploads)`)
	if err != nil {
		return fmt.Errorf("describe uploads table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}
	rows.Close()

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("degraded", `ALTER TABLE uploads ADD COLUMN degraded INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if err := addColumn("orphaned", `ALTER TABLE uploads ADD COLUMN orphaned INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	return nil
}

// Save inserts rec or replaces every mutable column of an existing row.
// created_at is kept from the first write.
func (r *UploadRepository) Save(ctx context.Context, rec *domain.UploadRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.State.Terminal() && rec.CompletedAt == nil {
		t := now
		rec.CompletedAt = &t
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO uploads (`+uploadColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	batch_id=excluded.batch_id, user_id=excluded.user_id, parent_id=excluded.parent_id,
	name=excluded.name, size=excluded.size, mime=excluded.mime,
	state=excluded.state, progress=excluded.progress, source=excluded.source,
	session_id=excluded.session_id, storage_key=excluded.storage_key,
	file_id=excluded.file_id, url=excluded.url,
	error_kind=excluded.error_kind, error_message=excluded.error_message,
	degraded=excluded.degraded, orphaned=MAX(uploads.orphaned, excluded.orphaned),
	updated_at=excluded.updated_at, completed_at=excluded.completed_at`,
		rec.TaskID,
		rec.BatchID,
		rec.UserID,
		rec.ParentID,
		rec.Name,
		rec.Size,
		rec.MIMEType,
		string(rec.State),
		rec.Progress,
		string(rec.Source),
		rec.SessionID,
		rec.StorageKey,
		rec.FileID,
		rec.URL,
		rec.ErrorKind,
		rec.ErrorMessage,
		boolInt(rec.Degraded),
		boolInt(rec.Orphaned),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt,
		nullTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save upload: %w", err)
	}
	return nil
}

func (r *UploadRepository) UpdateProgress(ctx context.Context, taskID string, state domain.TaskState, progress int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET state=?, progress=MAX(progress, ?), updated_at=?
WHERE task_id=?`,
		string(state),
		progress,
		time.Now().UTC(),
		taskID,
	)
	if err != nil {
		return fmt.Errorf("update upload progress: %w", err)
	}
	return nil
}

func (r *UploadRepository) MarkOrphaned(ctx context.Context, taskID, reason string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE uploads
SET orphaned=1, error_message=?, updated_at=?
WHERE task_id=?`,
		reason,
		time.Now().UTC(),
		taskID,
	)
	if err != nil {
		return fmt.Errorf("mark upload orphaned: %w", err)
	}
	return requireAffected(res)
}

func (r *UploadRepository) Delete(ctx context.Context, taskID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM uploads WHERE task_id=?`, taskID)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return requireAffected(res)
}

func (r *UploadRepository) Get(ctx context.Context, taskID string) (*domain.UploadRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE task_id=?`, taskID)
	return scanUpload(row)
}

func (r *UploadRepository) GetByFileID(ctx context.Context, userID, fileID string) (*domain.UploadRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+uploadColumns+`
FROM uploads
WHERE user_id=? AND file_id=?
ORDER BY created_at DESC
LIMIT 1`,
		userID,
		fileID,
	)
	return scanUpload(row)
}

func (r *UploadRepository) ListByUser(ctx context.Context, userID string) ([]domain.UploadRecord, error) {
	return r.query(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE user_id=? ORDER BY created_at DESC`, userID)
}

func (r *UploadRepository) ListByBatch(ctx context.Context, userID, batchID string) ([]domain.UploadRecord, error) {
	return r.query(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE user_id=? AND batch_id=? ORDER BY created_at ASC`, userID, batchID)
}

// ListOrphans returns rows whose bytes may exist in storage without a durable
// reference: confirm failures and fallback objects whose deletion failed.
func (r *UploadRepository) ListOrphans(ctx context.Context) ([]domain.UploadRecord, error) {
	return r.query(ctx, `
SELECT `+uploadColumns+`
FROM uploads
WHERE error_kind=? OR orphaned=1
ORDER BY updated_at ASC`, "confirm_failed")
}

func (r *UploadRepository) query(ctx context.Context, query string, args ...any) ([]domain.UploadRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var records []domain.UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanUpload(scanner interface {
	Scan(dest ...any) error
}) (*domain.UploadRecord, error) {
	var (
		rec         domain.UploadRecord
		state       string
		source      string
		createdAt   time.Time
		updatedAt   time.Time
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&rec.TaskID,
		&rec.BatchID,
		&rec.UserID,
		&rec.ParentID,
		&rec.Name,
		&rec.Size,
		&rec.MIMEType,
		&state,
		&rec.Progress,
		&source,
		&rec.SessionID,
		&rec.StorageKey,
		&rec.FileID,
		&rec.URL,
		&rec.ErrorKind,
		&rec.ErrorMessage,
		&rec.Degraded,
		&rec.Orphaned,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan upload: %w", err)
	}

	rec.State = domain.TaskState(state)
	rec.Source = domain.ResultSource(source)
	rec.CreatedAt = createdAt.Local()
	rec.UpdatedAt = updatedAt.Local()
	if completedAt.Valid {
		t := completedAt.Time.Local()
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func requireAffected(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
