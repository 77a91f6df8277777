package domain

import (
	"errors"
	"fmt"
)

// ErrUnsupportedType is returned when a candidate's mime type is not allowed.
var ErrUnsupportedType = errors.New("unsupported file type")

// ErrTooLarge is returned when a candidate exceeds the size ceiling.
var ErrTooLarge = errors.New("file too large")

// ErrSessionNegotiationFailed is returned when the backend does not issue an upload session.
var ErrSessionNegotiationFailed = errors.New("session negotiation failed")

// ErrProxyTransferFailed is returned when streaming bytes through the proxy fails.
var ErrProxyTransferFailed = errors.New("proxy transfer failed")

// ErrConfirmFailed is returned when a transferred file cannot be finalized.
// The bytes may exist server-side without a durable record.
var ErrConfirmFailed = errors.New("confirm failed")

// ErrFallbackUploadFailed is returned when the direct blob store upload fails.
var ErrFallbackUploadFailed = errors.New("fallback upload failed")

// ErrResolutionFailed is returned when a download URL cannot be obtained.
var ErrResolutionFailed = errors.New("download url resolution failed")

// ErrFileNotFound is returned when a file id is unknown to the ledger.
var ErrFileNotFound = errors.New("file not found")

// UploadError carries a failure kind together with its cause.
// errors.Is matches both the kind sentinel and the cause.
type UploadError struct {
	Kind   error
	Status int
	Err    error
}

func (e *UploadError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%v (status %d): %v", e.Kind, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%v (status %d)", e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *UploadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewUploadError wraps cause under kind.
func NewUploadError(kind error, status int, cause error) error {
	return &UploadError{Kind: kind, Status: status, Err: cause}
}

// ErrorKind returns a stable snake_case name for the taxonomy member in err.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedType):
		return "unsupported_type"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrConfirmFailed):
		return "confirm_failed"
	case errors.Is(err, ErrFallbackUploadFailed):
		return "fallback_upload_failed"
	case errors.Is(err, ErrSessionNegotiationFailed):
		return "session_negotiation_failed"
	case errors.Is(err, ErrProxyTransferFailed):
		return "proxy_transfer_failed"
	case errors.Is(err, ErrResolutionFailed):
		return "resolution_failed"
	default:
		return "unknown"
	}
}
