// Package backend talks to the file backend that owns the primary upload path:
// session negotiation, proxied transfer, confirmation and download URL resolution.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"feed-media/internal/auth"
	"feed-media/internal/domain"
)

const (
	presignPath    = "/api/uploads/presign"
	proxyPath      = "/api/uploads/proxy-upload"
	confirmPath    = "/api/uploads/confirm"
	presignGetPath = "/api/files/presign-get"
	quotaPath      = "/api/users/me/quota"

	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logrus.Logger
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Client{
		baseURL: base,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}, nil
}

// statusError is the cause recorded for a non-2xx backend response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend responded %d", e.Status)
	}
	return fmt.Sprintf("backend responded %d: %s", e.Status, e.Body)
}

// postJSON sends body to path with a freshly fetched bearer token and decodes a
// 2xx JSON response into out. Failures are wrapped under kind.
func (c *Client) postJSON(ctx context.Context, id auth.Identity, kind error, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.NewUploadError(kind, 0, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return domain.NewUploadError(kind, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, id, kind, req, out)
}

func (c *Client) do(ctx context.Context, id auth.Identity, kind error, req *http.Request, out any) error {
	token, err := id.CurrentToken(ctx)
	if err != nil {
		return domain.NewUploadError(kind, 0, fmt.Errorf("get token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewUploadError(kind, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.NewUploadError(kind, resp.StatusCode, &statusError{Status: resp.StatusCode, Body: readErrorBody(resp.Body)})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewUploadError(kind, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
