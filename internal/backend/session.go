package backend

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"feed-media/internal/auth"
	"feed-media/internal/domain"
)

type presignRequest struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	MIME     string  `json:"mime"`
	ParentID *string `json:"parentId"`
}

type presignResponse struct {
	UploadSessionID string `json:"uploadSessionId"`
	Key             string `json:"key"`
}

// Negotiate asks the backend for an upload session scoped to one file.
func (c *Client) Negotiate(ctx context.Context, id auth.Identity, file domain.FileMeta, parentID string) (*domain.UploadSession, error) {
	req := presignRequest{
		Name:     file.Name,
		Size:     file.Size,
		MIME:     file.MIMEType,
		ParentID: nullable(parentID),
	}
	var resp presignResponse
	if err := c.postJSON(ctx, id, domain.ErrSessionNegotiationFailed, presignPath, req, &resp); err != nil {
		return nil, err
	}
	if resp.UploadSessionID == "" {
		return nil, domain.NewUploadError(domain.ErrSessionNegotiationFailed, 0, errors.New("response has no uploadSessionId"))
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": resp.UploadSessionID,
		"key":        resp.Key,
		"file":       file.Name,
	}).Info("upload session issued")

	return &domain.UploadSession{SessionID: resp.UploadSessionID, StorageKey: resp.Key}, nil
}

type confirmRequest struct {
	UploadSessionID string  `json:"uploadSessionId"`
	Key             string  `json:"key"`
	Size            int64   `json:"size"`
	MIME            string  `json:"mime"`
	Name            string  `json:"name"`
	ParentID        *string `json:"parentId"`
}

type confirmResponse struct {
	FileID  string `json:"fileId"`
	FileURL string `json:"fileUrl,omitempty"`
}

// Confirm tells the backend the transfer for session is complete and returns
// the durable file id.
func (c *Client) Confirm(ctx context.Context, id auth.Identity, session domain.UploadSession, file domain.FileMeta, parentID string) (*domain.ConfirmedFile, error) {
	req := confirmRequest{
		UploadSessionID: session.SessionID,
		Key:             session.StorageKey,
		Size:            file.Size,
		MIME:            file.MIMEType,
		Name:            file.Name,
		ParentID:        nullable(parentID),
	}
	var resp confirmResponse
	if err := c.postJSON(ctx, id, domain.ErrConfirmFailed, confirmPath, req, &resp); err != nil {
		return nil, err
	}
	if resp.FileID == "" {
		return nil, domain.NewUploadError(domain.ErrConfirmFailed, 0, errors.New("response has no fileId"))
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"file_id":    resp.FileID,
	}).Info("upload confirmed")

	return &domain.ConfirmedFile{FileID: resp.FileID, FileURL: resp.FileURL}, nil
}
