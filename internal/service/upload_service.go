package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"feed-media/internal/domain"
	"feed-media/internal/repository"
)

// UploadService records task outcomes in the upload ledger and answers
// reconciliation queries over it.
type UploadService interface {
	Record(ctx context.Context, task *domain.UploadTask) error
	RecordProgress(ctx context.Context, taskID string, state domain.TaskState, progress int) error
	FindByFileID(ctx context.Context, userID, fileID string) (*domain.UploadRecord, error)
	MarkOrphaned(ctx context.Context, taskID string, cause error) error
	Forget(ctx context.Context, taskID string) error
	ListByUser(ctx context.Context, userID string) ([]domain.UploadRecord, error)
	ListByBatch(ctx context.Context, userID, batchID string) ([]domain.UploadRecord, error)
	ListOrphans(ctx context.Context) ([]domain.UploadRecord, error)
}

type uploadService struct {
	uploads repository.UploadRepository
}

func NewUploadService(uploads repository.UploadRepository) UploadService {
	return &uploadService{uploads: uploads}
}

func (s *uploadService) Record(ctx context.Context, task *domain.UploadTask) error {
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	return s.uploads.Save(ctx, domain.RecordFromTask(task))
}

func (s *uploadService) RecordProgress(ctx context.Context, taskID string, state domain.TaskState, progress int) error {
	return s.uploads.UpdateProgress(ctx, taskID, state, progress)
}

func (s *uploadService) FindByFileID(ctx context.Context, userID, fileID string) (*domain.UploadRecord, error) {
	fileID = strings.TrimSpace(fileID)
	if fileID == "" {
		return nil, errors.New("file id is required")
	}
	rec, err := s.uploads.GetByFileID(ctx, userID, fileID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrFileNotFound, fileID)
	}
	return rec, err
}

func (s *uploadService) MarkOrphaned(ctx context.Context, taskID string, cause error) error {
	reason := "orphaned"
	if cause != nil {
		reason = cause.Error()
	}
	return s.uploads.MarkOrphaned(ctx, taskID, reason)
}

func (s *uploadService) Forget(ctx context.Context, taskID string) error {
	return s.uploads.Delete(ctx, taskID)
}

func (s *uploadService) ListByUser(ctx context.Context, userID string) ([]domain.UploadRecord, error) {
	return s.uploads.ListByUser(ctx, userID)
}

func (s *uploadService) ListByBatch(ctx context.Context, userID, batchID string) ([]domain.UploadRecord, error) {
	return s.uploads.ListByBatch(ctx, userID, batchID)
}

func (s *uploadService) ListOrphans(ctx context.Context) ([]domain.UploadRecord, error) {
	return s.uploads.ListOrphans(ctx)
}
