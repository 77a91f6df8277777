package backend

import (
	"context"
	"errors"
	"net/http"

	"feed-media/internal/auth"
	"feed-media/internal/domain"
)

type presignGetRequest struct {
	FileID string `json:"fileId"`
}

type presignGetResponse struct {
	DownloadURL string `json:"downloadUrl"`
}

// ResolveDownloadURL returns a short-lived signed URL for a confirmed file.
func (c *Client) ResolveDownloadURL(ctx context.Context, id auth.Identity, fileID string) (string, error) {
	if fileID == "" {
		return "", domain.NewUploadError(domain.ErrResolutionFailed, 0, errors.New("file id is required"))
	}
	var resp presignGetResponse
	if err := c.postJSON(ctx, id, domain.ErrResolutionFailed, presignGetPath, presignGetRequest{FileID: fileID}, &resp); err != nil {
		return "", err
	}
	if resp.DownloadURL == "" {
		return "", domain.NewUploadError(domain.ErrResolutionFailed, 0, errors.New("response has no downloadUrl"))
	}
	return resp.DownloadURL, nil
}

var errQuota = errors.New("quota refresh failed")

// RefreshQuota asks the backend to recompute the caller's storage usage.
func (c *Client) RefreshQuota(ctx context.Context, id auth.Identity) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+quotaPath, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, id, errQuota, req, nil)
}
