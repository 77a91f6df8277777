package repository

import (
	"context"
	"errors"

	"feed-media/internal/domain"
)

// ErrNotFound is returned when no ledger row matches.
var ErrNotFound = errors.New("upload record not found")

// UploadRepository persists the upload ledger.
type UploadRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, rec *domain.UploadRecord) error
	UpdateProgress(ctx context.Context, taskID string, state domain.TaskState, progress int) error
	MarkOrphaned(ctx context.Context, taskID, reason string) error
	Delete(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (*domain.UploadRecord, error)
	GetByFileID(ctx context.Context, userID, fileID string) (*domain.UploadRecord, error)
	ListByUser(ctx context.Context, userID string) ([]domain.UploadRecord, error)
	ListByBatch(ctx context.Context, userID, batchID string) ([]domain.UploadRecord, error)
	ListOrphans(ctx context.Context) ([]domain.UploadRecord, error)
}
