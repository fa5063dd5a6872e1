// -----------------------------------------------------------------------
// Service interfaces - pipeline stages wired by the app container
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/ternarybob/papyrus/internal/models"
)

// UploadFile is one file received by the upload surface.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// SessionStatusView is the aggregated read model returned by GetStatus.
type SessionStatusView struct {
	Session       *models.Session `json:"session"`
	Progress      int             `json:"progress"`
	CompletedJobs int             `json:"completed_jobs"`
	FailedJobs    int             `json:"failed_jobs"`
	UserCredits   int             `json:"user_credits"`
}

// SessionCoordinator owns the session state machine: it creates sessions
// with their job forest, aggregates progress, and drives stage transitions
// from child-job terminal states.
type SessionCoordinator interface {
	Create(ctx context.Context, userID string, files []UploadFile, modelID string) (*models.Session, []*models.Job, error)
	GetStatus(ctx context.Context, sessionID string) (*SessionStatusView, error)
	Cancel(ctx context.Context, sessionID string) error

	ListSessions(ctx context.Context, userID string) ([]*models.Session, error)
	ListJobs(ctx context.Context, sessionID string) ([]*models.Job, error)

	// Recover re-arms supervision for sessions interrupted by a restart.
	Recover(ctx context.Context) error
}

// Dispatcher drives QUEUED child jobs through submit and poll until every
// child of the session is terminal. ProcessSession blocks until then and is
// idempotent across restarts.
type Dispatcher interface {
	ProcessSession(ctx context.Context, sessionID string) error
	Stop()
}

// PageSplitter decomposes a PDF into self-contained single-page documents.
type PageSplitter interface {
	CountPages(data []byte) (int, error)
	SplitPages(ctx context.Context, data []byte) ([][]byte, error)
}

// PostProcessor derives canonical filenames from extracted fields and
// writes renamed artifacts to the processed blob area.
type PostProcessor interface {
	ProcessJob(ctx context.Context, session *models.Session, job *models.Job, usedNames map[string]int) error
	ProcessSession(ctx context.Context, sessionID string) error
}

// Packager streams the downloadable archive: renamed page blobs plus the
// session summary table. It never materializes the archive in memory.
type Packager interface {
	WriteArchive(ctx context.Context, sessionID string, w io.Writer) error
}

// LifecycleService enforces retention: it arms per-session expiry timers,
// sweeps for overdue sessions, and records cleanup runs.
type LifecycleService interface {
	Start(ctx context.Context) error
	Stop() error

	// Schedule arms (or re-arms) the expiry timer for a session.
	Schedule(session *models.Session)

	// SpeedUpExpiration rewrites the persisted deadline and re-arms the
	// timer without producing duplicate cleanup runs.
	SpeedUpExpiration(ctx context.Context, sessionID string, expiresAt time.Time) error

	// RunSweep processes every overdue session now and returns the log row.
	RunSweep(ctx context.Context) (*models.CleanupLog, error)
}

// CreditService gates uploads on the per-user page balance. Payment flows
// live outside this service.
type CreditService interface {
	Balance(ctx context.Context, userID string) (int, error)
	Reserve(ctx context.Context, userID string, pages int) error
	Refund(ctx context.Context, userID string, pages int) error
}

// ProfileRegistry resolves the per-model summary and naming schema.
// Unknown model ids resolve to the default profile.
type ProfileRegistry interface {
	Get(modelID string) *models.ModelProfile
	Default() *models.ModelProfile
	List() []*models.ModelProfile
}

// Limiter is the process-wide token bucket enforcing provider quota.
// Acquire blocks until one token is available or the context is cancelled.
type Limiter interface {
	Acquire(ctx context.Context) error
	MaxConcurrent() int
}
