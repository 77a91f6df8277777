package domain

import (
	"io"
	"time"
)

// MaxFileSize is the admission ceiling for a single file.
const MaxFileSize int64 = 5 * 1024 * 1024

// TaskState is a position in the per-file upload state machine.
type TaskState string

const (
	TaskStatePending           TaskState = "pending"
	TaskStateNegotiating       TaskState = "negotiating"
	TaskStateTransferring      TaskState = "transferring"
	TaskStateConfirming        TaskState = "confirming"
	TaskStateResolving         TaskState = "resolving"
	TaskStateFallbackUploading TaskState = "fallback_uploading"
	TaskStateComplete          TaskState = "complete"
	TaskStateFailed            TaskState = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s TaskState) Terminal() bool {
	return s == TaskStateComplete || s == TaskStateFailed
}

// Progress milestones on the 0-100 scale of a task.
const (
	ProgressNegotiated  = 10
	ProgressTransferred = 90
	ProgressDone        = 100
)

// ResultSource names the path that produced an UploadResult.
type ResultSource string

const (
	SourcePrimary  ResultSource = "primary"
	SourceFallback ResultSource = "fallback"
)

// FileCandidate is a raw file handed to the engine by a caller.
// Content is read through io.SectionReader, so both upload paths can consume it.
type FileCandidate struct {
	Name     string
	Size     int64
	MIMEType string
	Content  io.ReaderAt
}

// Reader returns a fresh reader over the whole candidate content.
func (c FileCandidate) Reader() *io.SectionReader {
	return io.NewSectionReader(c.Content, 0, c.Size)
}

// FileMeta is the metadata subset of a candidate that travels with a task.
type FileMeta struct {
	Name     string
	Size     int64
	MIMEType string
}

func (c FileCandidate) Meta() FileMeta {
	return FileMeta{Name: c.Name, Size: c.Size, MIMEType: c.MIMEType}
}

// UploadSession is the backend handle scoping one file's primary-path transfer.
type UploadSession struct {
	SessionID  string
	StorageKey string
}

// ConfirmedFile is what the backend returns after finalizing a transfer.
type ConfirmedFile struct {
	FileID  string
	FileURL string
}

// UploadResult is the artifact handed to downstream record creation.
// URL may be short-lived and must be re-resolved when consumed later.
type UploadResult struct {
	FileID   string       `json:"fileId"`
	URL      string       `json:"url"`
	Source   ResultSource `json:"source"`
	Degraded bool         `json:"degraded,omitempty"`
}

// UploadTask tracks one admitted file through its pipeline.
type UploadTask struct {
	ID        string
	BatchID   string
	UserID    string
	ParentID  string
	File      FileMeta
	State     TaskState
	Progress  int
	Source    ResultSource
	Session   *UploadSession
	BlobKey   string
	Result    *UploadResult
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PerFileError reports a file that reached Failed.
type PerFileError struct {
	TaskID   string `json:"taskId"`
	FileName string `json:"fileName"`
	Err      error  `json:"-"`
}

func (e PerFileError) Error() string {
	return e.FileName + ": " + e.Err.Error()
}

// Rejection records a candidate excluded at admission.
type Rejection struct {
	FileName string `json:"fileName"`
	Err      error  `json:"-"`
}

// BatchReport is the outcome of one admission call.
// Tasks holds the final snapshot of every admitted file in submission order.
type BatchReport struct {
	BatchID    string
	Tasks      []UploadTask
	Results    []UploadResult
	Errors     []PerFileError
	Rejections []Rejection
	Truncated  int
}
