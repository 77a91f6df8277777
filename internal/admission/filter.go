// Package admission decides which file candidates may enter a batch.
package admission

import (
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"feed-media/internal/domain"
)

const sniffLen = 3072

type Config struct {
	AllowedPrefixes []string
	MaxFileSize     int64
	Logger          *logrus.Logger
}

// Filter validates candidates before any network call is made for them.
type Filter struct {
	prefixes []string
	maxSize  int64
	logger   *logrus.Logger
}

func NewFilter(cfg Config) *Filter {
	if len(cfg.AllowedPrefixes) == 0 {
		cfg.AllowedPrefixes = []string{"image/"}
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = domain.MaxFileSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Filter{
		prefixes: cfg.AllowedPrefixes,
		maxSize:  cfg.MaxFileSize,
		logger:   cfg.Logger,
	}
}

// Admit truncates candidates to the remaining capacity, in submission order, and
// then filters what is left. Truncated candidates are dropped silently.
func (f *Filter) Admit(candidates []domain.FileCandidate, remaining int) ([]domain.FileCandidate, []domain.Rejection, int) {
	if remaining < 0 {
		remaining = 0
	}
	truncated := 0
	if len(candidates) > remaining {
		truncated = len(candidates) - remaining
		candidates = candidates[:remaining]
	}

	admitted := make([]domain.FileCandidate, 0, len(candidates))
	var rejections []domain.Rejection
	for i := range candidates {
		c := candidates[i]
		if err := f.Check(&c); err != nil {
			f.logger.WithFields(logrus.Fields{
				"file": c.Name,
				"size": c.Size,
				"mime": c.MIMEType,
			}).Warnf("file rejected: %v", err)
			rejections = append(rejections, domain.Rejection{FileName: c.Name, Err: err})
			continue
		}
		admitted = append(admitted, c)
	}
	return admitted, rejections, truncated
}

// Check validates a single candidate. An empty mime type is filled in by
// sniffing the leading content bytes.
func (f *Filter) Check(c *domain.FileCandidate) error {
	if c.Content == nil {
		return fmt.Errorf("%w: no content", domain.ErrUnsupportedType)
	}
	if strings.TrimSpace(c.MIMEType) == "" {
		c.MIMEType = sniff(c)
	}
	if !f.allowed(c.MIMEType) {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedType, c.MIMEType)
	}
	if c.Size > f.maxSize {
		return fmt.Errorf("%w: %.1fMB exceeds %.1fMB", domain.ErrTooLarge, mb(c.Size), mb(f.maxSize))
	}
	return nil
}

func (f *Filter) allowed(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, p := range f.prefixes {
		if strings.HasPrefix(mimeType, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func sniff(c *domain.FileCandidate) string {
	n := c.Size
	if n > sniffLen {
		n = sniffLen
	}
	if n <= 0 {
		return ""
	}
	m, err := mimetype.DetectReader(io.NewSectionReader(c.Content, 0, n))
	if err != nil {
		return ""
	}
	t, _, _ := strings.Cut(m.String(), ";")
	return t
}

func mb(n int64) float64 {
	return float64(n) / 1024 / 1024
}
