package domain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewUploadError(ErrProxyTransferFailed, 0, cause)

	assert.ErrorIs(t, err, ErrProxyTransferFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConfirmFailed)
	assert.Equal(t, "proxy transfer failed: connection reset", err.Error())

	withStatus := NewUploadError(ErrSessionNegotiationFailed, 503, nil)
	assert.Equal(t, "session negotiation failed (status 503)", withStatus.Error())
}

func TestErrorKind(t *testing.T) {
	primary := NewUploadError(ErrSessionNegotiationFailed, 500, nil)
	fallback := NewUploadError(ErrFallbackUploadFailed, 0, errors.Join(errors.New("bucket gone"), primary))

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", ErrTooLarge), "too_large"},
		{ErrUnsupportedType, "unsupported_type"},
		{primary, "session_negotiation_failed"},
		{fallback, "fallback_upload_failed"},
		{NewUploadError(ErrConfirmFailed, 0, io.ErrUnexpectedEOF), "confirm_failed"},
		{NewUploadError(ErrResolutionFailed, 404, nil), "resolution_failed"},
		{errors.New("other"), "unknown"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorKind(tc.err))
	}
}

func TestRecordFromTaskUsesBlobKeyForFallback(t *testing.T) {
	task := &UploadTask{
		ID:      "t1",
		File:    FileMeta{Name: "a.png", Size: 3, MIMEType: "image/png"},
		State:   TaskStateComplete,
		Source:  SourceFallback,
		Session: &UploadSession{SessionID: "s1", StorageKey: "primary/key"},
		BlobKey: "u1/posts/1_a.png",
		Result:  &UploadResult{FileID: "https://blob/u1/posts/1_a.png", URL: "https://blob/u1/posts/1_a.png", Source: SourceFallback},
	}

	rec := RecordFromTask(task)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "u1/posts/1_a.png", rec.StorageKey)
	assert.Equal(t, task.Result.FileID, rec.FileID)
	assert.Empty(t, rec.ErrorKind)
}

func TestCandidateReaderIsRepeatable(t *testing.T) {
	c := FileCandidate{Name: "a", Size: 5, Content: bytes.NewReader([]byte("hello"))}

	first, err := io.ReadAll(c.Reader())
	require.NoError(t, err)
	second, err := io.ReadAll(c.Reader())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "hello", string(second))
}
