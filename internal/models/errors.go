// -----------------------------------------------------------------------
// Pipeline error kinds - stable classification shared across components
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification recorded on failed jobs and mapped
// to HTTP statuses at the edge.
type ErrorKind string

const (
	ErrInvalidInput        ErrorKind = "INVALID_INPUT"
	ErrInsufficientCredits ErrorKind = "INSUFFICIENT_CREDITS"
	ErrStorageUnavailable  ErrorKind = "STORAGE_UNAVAILABLE"
	ErrExtractorTransient  ErrorKind = "EXTRACTOR_TRANSIENT"
	ErrExtractorPermanent  ErrorKind = "EXTRACTOR_PERMANENT"
	ErrPollTimeout         ErrorKind = "POLL_TIMEOUT"
	ErrCorruptInput        ErrorKind = "CORRUPT_INPUT"
	ErrPostProcessFailed   ErrorKind = "POST_PROCESS_FAILED"
	ErrSessionExpired      ErrorKind = "SESSION_EXPIRED"
	ErrNotFound            ErrorKind = "NOT_FOUND"
	ErrCancelled           ErrorKind = "CANCELLED"
)

// PipelineError carries an error kind through wrapping chains so callers can
// branch on classification without string matching.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with a message.
func NewError(kind ErrorKind, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report an empty kind.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether the error is worth a local retry.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case ErrExtractorTransient, ErrStorageUnavailable:
		return true
	}
	return false
}
