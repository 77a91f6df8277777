package admission

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-media/internal/domain"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

func quietFilter() *Filter {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewFilter(Config{Logger: logger})
}

func candidate(name, mime string, size int64) domain.FileCandidate {
	return domain.FileCandidate{
		Name:     name,
		Size:     size,
		MIMEType: mime,
		Content:  bytes.NewReader(make([]byte, 1)),
	}
}

func TestAdmitRejectsTypeAndSize(t *testing.T) {
	f := quietFilter()
	in := []domain.FileCandidate{
		candidate("a.png", "image/png", 1024),
		candidate("b.pdf", "application/pdf", 1024),
		candidate("c.jpg", "image/jpeg", 10*1024*1024),
		candidate("d.gif", "IMAGE/GIF", domain.MaxFileSize),
	}

	admitted, rejections, truncated := f.Admit(in, 10)

	require.Len(t, admitted, 2)
	assert.Equal(t, "a.png", admitted[0].Name)
	assert.Equal(t, "d.gif", admitted[1].Name)
	assert.Zero(t, truncated)

	require.Len(t, rejections, 2)
	assert.Equal(t, "b.pdf", rejections[0].FileName)
	assert.ErrorIs(t, rejections[0].Err, domain.ErrUnsupportedType)
	assert.Equal(t, "c.jpg", rejections[1].FileName)
	assert.ErrorIs(t, rejections[1].Err, domain.ErrTooLarge)
}

func TestAdmitTruncatesBeforeFiltering(t *testing.T) {
	f := quietFilter()
	in := []domain.FileCandidate{
		candidate("1.png", "image/png", 1),
		candidate("2.txt", "text/plain", 1),
		candidate("3.png", "image/png", 1),
		candidate("4.png", "image/png", 1),
	}

	admitted, rejections, truncated := f.Admit(in, 2)

	assert.Equal(t, 2, truncated)
	require.Len(t, admitted, 1)
	assert.Equal(t, "1.png", admitted[0].Name)
	require.Len(t, rejections, 1)
	assert.Equal(t, "2.txt", rejections[0].FileName)
}

func TestAdmitAtCapacity(t *testing.T) {
	f := quietFilter()
	admitted, rejections, truncated := f.Admit([]domain.FileCandidate{candidate("a.png", "image/png", 1)}, 0)
	assert.Empty(t, admitted)
	assert.Empty(t, rejections)
	assert.Equal(t, 1, truncated)

	_, _, truncated = f.Admit([]domain.FileCandidate{candidate("a.png", "image/png", 1)}, -3)
	assert.Equal(t, 1, truncated)
}

func TestCheckSniffsMissingMime(t *testing.T) {
	f := quietFilter()

	c := domain.FileCandidate{Name: "noext", Size: int64(len(pngHeader)), Content: bytes.NewReader(pngHeader)}
	require.NoError(t, f.Check(&c))
	assert.Equal(t, "image/png", c.MIMEType)

	text := []byte("just some text")
	c = domain.FileCandidate{Name: "notes", Size: int64(len(text)), Content: bytes.NewReader(text)}
	err := f.Check(&c)
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)
	assert.Equal(t, "text/plain", c.MIMEType)
}

func TestCheckWithoutContent(t *testing.T) {
	f := quietFilter()
	c := domain.FileCandidate{Name: "ghost.png", MIMEType: "image/png", Size: 1}
	assert.ErrorIs(t, f.Check(&c), domain.ErrUnsupportedType)
}

func TestCustomPrefixes(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	f := NewFilter(Config{AllowedPrefixes: []string{"image/", "video/"}, MaxFileSize: 10, Logger: logger})

	c := candidate("clip.mp4", "video/mp4", 10)
	assert.NoError(t, f.Check(&c))
	c = candidate("clip.mp4", "video/mp4", 11)
	assert.ErrorIs(t, f.Check(&c), domain.ErrTooLarge)
}
