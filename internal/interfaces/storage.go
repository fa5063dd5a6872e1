package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/papyrus/internal/models"
)

// SessionStorage - interface for session persistence
type SessionStorage interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error

	// UpdateSessionStatus performs a conditional status transition: the
	// update applies only when the stored status still equals from.
	UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus) error

	// FailSession moves a non-terminal session to FAILED together with the
	// error description. Loses to any terminal state already written.
	FailSession(ctx context.Context, id, errorMsg string) error

	// IncrementProcessedPages adds one terminal page to the session counter
	// and returns the new count. Callers rely on exactly-once semantics.
	IncrementProcessedPages(ctx context.Context, id string) (int, error)

	// IncrementPostProcessedCount adds one renamed artifact to the counter.
	IncrementPostProcessedCount(ctx context.Context, id string) (int, error)

	// UpdateExpiry rewrites the retention deadline (speed-up path).
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error

	ListSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)

	// ListExpiredSessions returns sessions whose retention window has passed
	// but whose status is not yet EXPIRED.
	ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.Session, error)

	CountActiveSessions(ctx context.Context) (int, error)
}

// JobStorage - interface for job persistence
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	SaveJobs(ctx context.Context, jobs []*models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error

	// UpdateJobStatus performs a conditional status transition; it fails
	// when the stored status no longer equals from, preventing
	// double-accounting across concurrent workers.
	UpdateJobStatus(ctx context.Context, id string, from, to models.JobStatus) error

	// SetJobOperation records the provider's operation handle. Rejected once
	// the job is terminal so cancellation cannot be overwritten.
	SetJobOperation(ctx context.Context, id, operationID string) error

	// CompleteJob / FailJob move a non-terminal job to its terminal state
	// together with its payload. Exactly one such call wins per job.
	CompleteJob(ctx context.Context, id string, fields map[string]interface{}) error
	FailJob(ctx context.Context, id, errorMsg string) error

	ListJobsBySession(ctx context.Context, sessionID string) ([]*models.Job, error)

	// ListChildJobs returns only dispatchable single-page jobs, ordered by
	// parent and page number.
	ListChildJobs(ctx context.Context, sessionID string) ([]*models.Job, error)
	ListChildJobsByStatus(ctx context.Context, sessionID string, statuses ...models.JobStatus) ([]*models.Job, error)

	// CountChildJobsByStatus aggregates the session's child jobs per status
	// in one indexed scan.
	CountChildJobsByStatus(ctx context.Context, sessionID string) (map[models.JobStatus]int, error)

	// MarkNonTerminalJobsExpired flips every non-terminal job of the session
	// to EXPIRED and returns how many rows changed.
	MarkNonTerminalJobsExpired(ctx context.Context, sessionID string) (int, error)

	// MarkNonTerminalJobsCancelled is the cancellation analog: in-flight
	// workers lose their terminal write once a job is CANCELLED.
	MarkNonTerminalJobsCancelled(ctx context.Context, sessionID string) (int, error)
}

// CleanupStorage - interface for the append-only cleanup log
type CleanupStorage interface {
	SaveCleanupLog(ctx context.Context, log *models.CleanupLog) error
	ListCleanupLogs(ctx context.Context, limit int) ([]*models.CleanupLog, error)
	CountCleanupLogs(ctx context.Context) (int, error)
}

// CreditStorage - interface for the per-user credit ledger
type CreditStorage interface {
	GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error)
	SaveAccount(ctx context.Context, account *models.CreditAccount) error

	// AdjustBalance applies a delta atomically and returns the new balance.
	// A negative result is rejected without changing the stored value.
	AdjustBalance(ctx context.Context, userID string, delta int) (int, error)
}

// StorageManager provides access to all storage interfaces
type StorageManager interface {
	SessionStorage() SessionStorage
	JobStorage() JobStorage
	CleanupStorage() CleanupStorage
	CreditStorage() CreditStorage
	Close() error
}
