package http

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"feed-media/internal/domain"
	"feed-media/internal/uploader"
)

// upload accepts multipart files[] for one batch. The named batch is used when
// batchId is set; otherwise a one-shot batch of size max is created.
func (h *Handler) upload(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(h.cfg.MaxMemory); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid multipart body: %v", err)})
		return
	}
	form := c.Request.MultipartForm
	defer form.RemoveAll()

	headers := append(form.File["files"], form.File["files[]"]...)
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}

	batch, err := h.batchFor(c)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, uploader.ErrBatchNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	candidates := make([]domain.FileCandidate, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("open %s: %v", fh.Filename, err)})
			return
		}
		defer f.Close()
		candidates = append(candidates, candidateFrom(fh, f))
	}

	id := identityFrom(c)
	report, err := h.manager.Upload(c.Request.Context(), batch, id, candidates, c.PostForm("parentId"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	h.cfg.Logger.WithFields(logrus.Fields{
		"batch_id":   report.BatchID,
		"user_id":    id.UserID(),
		"results":    len(report.Results),
		"errors":     len(report.Errors),
		"rejections": len(report.Rejections),
	}).Info("Upload batch finished")
	c.JSON(http.StatusOK, reportToResponse(report, batch))
}

func (h *Handler) batchFor(c *gin.Context) (*uploader.Batch, error) {
	if batchID := c.PostForm("batchId"); batchID != "" {
		return h.batches.Get(batchID, identityFrom(c).UserID())
	}
	size := h.cfg.BatchMax
	if raw := c.PostForm("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid max %q", raw)
		}
		size = n
	}
	return uploader.NewBatch(size, 0)
}

func candidateFrom(fh *multipart.FileHeader, f multipart.File) domain.FileCandidate {
	return domain.FileCandidate{
		Name:     fh.Filename,
		Size:     fh.Size,
		MIMEType: fh.Header.Get("Content-Type"),
		Content:  f,
	}
}

type BatchResponse struct {
	BatchID   string `json:"batchId"`
	Max       int    `json:"max"`
	Occupied  int    `json:"occupied"`
	Remaining int    `json:"remaining"`

	Uploads []UploadRecordResponse `json:"uploads,omitempty"`
}

func batchToResponse(b *uploader.Batch) BatchResponse {
	return BatchResponse{
		BatchID:   b.ID,
		Max:       b.Max(),
		Occupied:  b.Occupied(),
		Remaining: b.Remaining(),
	}
}

type FileErrorResponse struct {
	TaskID   string `json:"taskId,omitempty"`
	FileName string `json:"fileName"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

type UploadResponse struct {
	BatchID    string                `json:"batchId"`
	Results    []domain.UploadResult `json:"results"`
	Errors     []FileErrorResponse   `json:"errors"`
	Rejections []FileErrorResponse   `json:"rejections"`
	Truncated  int                   `json:"truncated"`
	Batch      BatchResponse         `json:"batch"`
}

func reportToResponse(report *domain.BatchReport, batch *uploader.Batch) UploadResponse {
	resp := UploadResponse{
		BatchID:    report.BatchID,
		Results:    make([]domain.UploadResult, 0, len(report.Results)),
		Errors:     make([]FileErrorResponse, 0, len(report.Errors)),
		Rejections: make([]FileErrorResponse, 0, len(report.Rejections)),
		Truncated:  report.Truncated,
		Batch:      batchToResponse(batch),
	}
	resp.Results = append(resp.Results, report.Results...)
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, FileErrorResponse{
			TaskID:   e.TaskID,
			FileName: e.FileName,
			Kind:     domain.ErrorKind(e.Err),
			Error:    e.Err.Error(),
		})
	}
	for _, r := range report.Rejections {
		resp.Rejections = append(resp.Rejections, FileErrorResponse{
			FileName: r.FileName,
			Kind:     domain.ErrorKind(r.Err),
			Error:    r.Err.Error(),
		})
	}
	return resp
}

type TaskResponse struct {
	ID        string               `json:"id"`
	BatchID   string               `json:"batchId"`
	FileName  string               `json:"fileName"`
	Size      int64                `json:"size"`
	State     domain.TaskState     `json:"state"`
	Progress  int                  `json:"progress"`
	Source    domain.ResultSource  `json:"source,omitempty"`
	Result    *domain.UploadResult `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
	CreatedAt string               `json:"createdAt"`
	UpdatedAt string               `json:"updatedAt"`
}

func taskToResponse(task domain.UploadTask) TaskResponse {
	resp := TaskResponse{
		ID:        task.ID,
		BatchID:   task.BatchID,
		FileName:  task.File.Name,
		Size:      task.File.Size,
		State:     task.State,
		Progress:  task.Progress,
		Source:    task.Source,
		Result:    task.Result,
		CreatedAt: task.CreatedAt.Format(time.RFC3339),
		UpdatedAt: task.UpdatedAt.Format(time.RFC3339),
	}
	if task.Err != nil {
		resp.Error = task.Err.Error()
	}
	return resp
}

type UploadRecordResponse struct {
	TaskID       string              `json:"taskId"`
	BatchID      string              `json:"batchId"`
	UserID       string              `json:"userId"`
	ParentID     string              `json:"parentId,omitempty"`
	Name         string              `json:"name"`
	Size         int64               `json:"size"`
	MIMEType     string              `json:"mimeType"`
	State        domain.TaskState    `json:"state"`
	Progress     int                 `json:"progress"`
	Source       domain.ResultSource `json:"source,omitempty"`
	SessionID    string              `json:"sessionId,omitempty"`
	StorageKey   string              `json:"storageKey,omitempty"`
	FileID       string              `json:"fileId,omitempty"`
	ErrorKind    string              `json:"errorKind,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	Degraded     bool                `json:"degraded"`
	Orphaned     bool                `json:"orphaned"`
	CreatedAt    string              `json:"createdAt"`
	UpdatedAt    string              `json:"updatedAt"`
	CompletedAt  *string             `json:"completedAt,omitempty"`
}

func recordsToResponse(records []domain.UploadRecord) []UploadRecordResponse {
	resp := make([]UploadRecordResponse, len(records))
	for i, rec := range records {
		resp[i] = UploadRecordResponse{
			TaskID:       rec.TaskID,
			BatchID:      rec.BatchID,
			UserID:       rec.UserID,
			ParentID:     rec.ParentID,
			Name:         rec.Name,
			Size:         rec.Size,
			MIMEType:     rec.MIMEType,
			State:        rec.State,
			Progress:     rec.Progress,
			Source:       rec.Source,
			SessionID:    rec.SessionID,
			StorageKey:   rec.StorageKey,
			FileID:       rec.FileID,
			ErrorKind:    rec.ErrorKind,
			ErrorMessage: rec.ErrorMessage,
			Degraded:     rec.Degraded,
			Orphaned:     rec.Orphaned,
			CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    rec.UpdatedAt.Format(time.RFC3339),
		}
		if rec.CompletedAt != nil {
			v := rec.CompletedAt.Format(time.RFC3339)
			resp[i].CompletedAt = &v
		}
	}
	return resp
}
