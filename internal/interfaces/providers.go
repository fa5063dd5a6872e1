package interfaces

import (
	"context"
	"time"
)

// OperationStatus is the provider-side state of a long-running extraction.
type OperationStatus string

const (
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusSucceeded OperationStatus = "succeeded"
	OperationStatusFailed    OperationStatus = "failed"
)

// PollResult is one observation of a long-running operation.
type PollResult struct {
	Status OperationStatus

	// RetryAfter is the provider's pacing hint; zero when absent. Callers
	// must wait at least this long before the next poll.
	RetryAfter time.Duration

	// Fields carries the raw extracted field map on success, in whatever
	// shape the provider emits (the normalizer flattens it).
	Fields map[string]interface{}

	// Confidence is the overall document confidence on success.
	Confidence float64

	// Error describes a provider-side failure when Status is failed.
	Error string
}

// Extractor - interface to the external document-understanding service.
// Submit returns immediately with an operation handle; results arrive
// through Poll. Implementations must surface transient-vs-permanent error
// signals (models.ErrExtractorTransient / ErrExtractorPermanent).
type Extractor interface {
	Submit(ctx context.Context, modelID string, payload []byte) (string, error)
	Poll(ctx context.Context, operationID string) (*PollResult, error)
}

// BlobMeta is optional metadata attached at write time.
type BlobMeta struct {
	ContentType string
	Metadata    map[string]string
}

// BlobInfo describes one stored blob.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobStore - interface to the artifact store. Paths follow the stable
// session layout contract; concurrent writes to distinct paths are safe.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, meta *BlobMeta) error
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	ListByPrefix(ctx context.Context, prefix string) ([]BlobInfo, error)

	// DeleteByPrefix removes every blob under the prefix and returns the
	// number deleted. Deleting an already-empty prefix is not an error.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// SignedURL returns a time-limited URL resolvable by the file route.
	SignedURL(path string, ttl time.Duration) (string, error)
}
