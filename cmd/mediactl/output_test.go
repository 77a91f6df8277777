package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feed-media/internal/domain"
	"feed-media/internal/uploader"
)

func TestPrintReport(t *testing.T) {
	report := &domain.BatchReport{
		Tasks: []domain.UploadTask{
			{
				File:   domain.FileMeta{Name: "a.png"},
				State:  domain.TaskStateComplete,
				Result: &domain.UploadResult{FileID: "f1", URL: "https://signed/f1", Source: domain.SourcePrimary},
			},
			{
				File:   domain.FileMeta{Name: "b.png"},
				State:  domain.TaskStateComplete,
				Result: &domain.UploadResult{FileID: "https://blobs/b", URL: "https://blobs/b", Source: domain.SourceFallback},
			},
			{
				File:  domain.FileMeta{Name: "c.png"},
				State: domain.TaskStateFailed,
				Err:   domain.NewUploadError(domain.ErrConfirmFailed, 500, nil),
			},
		},
		Rejections: []domain.Rejection{{FileName: "d.txt", Err: domain.ErrUnsupportedType}},
		Truncated:  2,
	}

	var out bytes.Buffer
	err := printReport(&out, report)
	require.ErrorIs(t, err, errSomeFailed)
	assert.Contains(t, err.Error(), "4 of 6")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "ok       a.png  f1  https://signed/f1", lines[0])
	assert.Contains(t, lines[1], "(fallback)")
	assert.Equal(t, "error    c.png: confirm failed (status 500)", lines[2])
	assert.Equal(t, "rejected d.txt: unsupported file type", lines[3])
	assert.Equal(t, "skipped  2 file(s): batch is full", lines[4])
}

func TestPrintReportAllComplete(t *testing.T) {
	report := &domain.BatchReport{Tasks: []domain.UploadTask{{
		File:   domain.FileMeta{Name: "a.png"},
		State:  domain.TaskStateComplete,
		Result: &domain.UploadResult{FileID: "f1", URL: "https://backend/f1", Source: domain.SourcePrimary, Degraded: true},
	}}}
	var out bytes.Buffer
	require.NoError(t, printReport(&out, report))
	assert.Contains(t, out.String(), "(url not resolved)")
}

func TestRenderProgressThrottles(t *testing.T) {
	events := make(chan uploader.Event, 16)
	for _, ev := range []uploader.Event{
		{TaskID: "t1", FileName: "a.png", State: domain.TaskStatePending},
		{TaskID: "t1", FileName: "a.png", State: domain.TaskStateNegotiating},
		{TaskID: "t1", FileName: "a.png", State: domain.TaskStateTransferring, Progress: 10},
		{TaskID: "t1", FileName: "a.png", State: domain.TaskStateTransferring, Progress: 14},
		{TaskID: "t1", FileName: "a.png", State: domain.TaskStateTransferring, Progress: 25},
		{TaskID: "t1", FileName: "a.png", State: domain.TaskStateTransferring, Progress: 25},
		{TaskID: "t1", FileName: "a.png", State: domain.TaskStateComplete, Progress: 100},
	} {
		events <- ev
	}
	close(events)

	var out bytes.Buffer
	renderProgress(&out, events)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[3], " 25%")
	assert.Contains(t, lines[4], "complete")
}

func TestOpenCandidates(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "pixel.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o644))
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o644))

	files, closeAll, err := openCandidates([]string{png, txt})
	require.NoError(t, err)
	defer closeAll()

	require.Len(t, files, 2)
	assert.Equal(t, "pixel.png", files[0].Name)
	assert.Equal(t, "image/png", files[0].MIMEType)
	assert.Equal(t, int64(5), files[1].Size)
	assert.True(t, strings.HasPrefix(files[1].MIMEType, "text/plain"))

	_, _, err = openCandidates([]string{filepath.Join(dir, "missing.png")})
	assert.Error(t, err)
	_, _, err = openCandidates([]string{dir})
	assert.ErrorContains(t, err, "is a directory")
}
