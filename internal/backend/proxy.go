package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"

	"github.com/sirupsen/logrus"

	"feed-media/internal/auth"
	"feed-media/internal/domain"
)

// ProgressFunc receives the task-level percentage, already remapped into
// [domain.ProgressNegotiated, domain.ProgressTransferred].
type ProgressFunc func(percent int)

// Transfer streams the candidate bytes through the backend proxy for session.
func (c *Client) Transfer(ctx context.Context, id auth.Identity, file domain.FileCandidate, session domain.UploadSession, progress ProgressFunc) error {
	body, size, contentType, err := buildProxyBody(file, session)
	if err != nil {
		return domain.NewUploadError(domain.ErrProxyTransferFailed, 0, err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"file":       file.Name,
		"size":       file.Size,
	})
	reporter := newProgressReporter(size, progress, logger)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+proxyPath, io.TeeReader(body, reporter))
	if err != nil {
		return domain.NewUploadError(domain.ErrProxyTransferFailed, 0, fmt.Errorf("build request: %w", err))
	}
	req.ContentLength = reporter.total
	req.Header.Set("Content-Type", contentType)

	logger.Info("proxy transfer started")
	reporter.report(0)
	if err := c.do(ctx, id, domain.ErrProxyTransferFailed, req, nil); err != nil {
		logger.Warnf("proxy transfer failed: %v", err)
		return err
	}
	reporter.flush()
	logger.Info("proxy transfer accepted")
	return nil
}

// buildProxyBody frames the candidate as a multipart body without buffering
// its content. Only the envelope around the file part is held in memory, so
// the exact body length is known before the first byte is sent.
func buildProxyBody(file domain.FileCandidate, session domain.UploadSession) (io.Reader, int64, string, error) {
	var head, tail bytes.Buffer
	mw := multipart.NewWriter(&head)

	if err := mw.WriteField("sessionId", session.SessionID); err != nil {
		return nil, 0, "", fmt.Errorf("write session field: %w", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	contentType := file.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	if _, err := mw.CreatePart(header); err != nil {
		return nil, 0, "", fmt.Errorf("create file part: %w", err)
	}

	// the closing boundary goes to a separate buffer so file bytes sit between
	closer := multipart.NewWriter(&tail)
	if err := closer.SetBoundary(mw.Boundary()); err != nil {
		return nil, 0, "", fmt.Errorf("set boundary: %w", err)
	}
	if err := closer.Close(); err != nil {
		return nil, 0, "", fmt.Errorf("close multipart: %w", err)
	}

	size := int64(head.Len()) + file.Size + int64(tail.Len())
	body := io.MultiReader(bytes.NewReader(head.Bytes()), file.Reader(), bytes.NewReader(tail.Bytes()))
	return body, size, mw.FormDataContentType(), nil
}

// progressReporter counts body bytes consumed by the transport and emits the
// remapped percentage only when it advances by at least one point.
type progressReporter struct {
	total   int64
	done    int64
	last    int
	logged  int
	cb      ProgressFunc
	logger  *logrus.Entry
	mu      sync.Mutex
	started bool
}

func newProgressReporter(total int64, cb ProgressFunc, logger *logrus.Entry) *progressReporter {
	return &progressReporter{
		total:  total,
		cb:     cb,
		logger: logger,
		logged: -domain.ProgressNegotiated,
	}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += int64(len(b))
	if p.done > p.total {
		p.done = p.total
	}
	p.emit()
	return len(b), nil
}

func (p *progressReporter) report(done int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
	p.emit()
}

func (p *progressReporter) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = p.total
	p.emit()
}

func (p *progressReporter) emit() {
	pct := remap(p.done, p.total)
	if p.started && pct <= p.last {
		return
	}
	p.started = true
	p.last = pct
	if pct-p.logged >= 10 || pct == domain.ProgressTransferred {
		p.logged = pct
		p.logger.Debugf("proxy transfer progress %d%%", pct)
	}
	if p.cb != nil {
		p.cb(pct)
	}
}

// remap maps done/total onto the transfer band of the task progress scale.
func remap(done, total int64) int {
	lo, hi := int64(domain.ProgressNegotiated), int64(domain.ProgressTransferred)
	if total <= 0 {
		return int(hi)
	}
	pct := lo + (done*(hi-lo)+total/2)/total
	if pct < lo {
		return int(lo)
	}
	if pct > hi {
		return int(hi)
	}
	return int(pct)
}
