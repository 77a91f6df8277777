package domain

import "time"

// UploadRecord is the persisted ledger row for one task.
type UploadRecord struct {
	TaskID       string
	BatchID      string
	UserID       string
	ParentID     string
	Name         string
	Size         int64
	MIMEType     string
	State        TaskState
	Progress     int
	Source       ResultSource
	SessionID    string
	StorageKey   string
	FileID       string
	URL          string
	ErrorKind    string
	ErrorMessage string
	Degraded     bool
	Orphaned     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// RecordFromTask builds the ledger row for task.
func RecordFromTask(task *UploadTask) *UploadRecord {
	rec := &UploadRecord{
		TaskID:   task.ID,
		BatchID:  task.BatchID,
		UserID:   task.UserID,
		ParentID: task.ParentID,
		Name:     task.File.Name,
		Size:     task.File.Size,
		MIMEType: task.File.MIMEType,
		State:    task.State,
		Progress: task.Progress,
		Source:   task.Source,
	}
	if task.Session != nil {
		rec.SessionID = task.Session.SessionID
		rec.StorageKey = task.Session.StorageKey
	}
	if task.Source == SourceFallback && task.BlobKey != "" {
		rec.StorageKey = task.BlobKey
	}
	if task.Result != nil {
		rec.FileID = task.Result.FileID
		rec.URL = task.Result.URL
		rec.Degraded = task.Result.Degraded
	}
	if task.Err != nil {
		rec.ErrorKind = ErrorKind(task.Err)
		rec.ErrorMessage = task.Err.Error()
	}
	return rec
}
