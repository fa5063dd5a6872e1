package models

import "time"

// CleanupStatus represents the outcome of a cleanup run.
type CleanupStatus string

const (
	CleanupStatusRunning   CleanupStatus = "running"
	CleanupStatusCompleted CleanupStatus = "completed"
	CleanupStatusFailed    CleanupStatus = "failed"
)

// CleanupLog is one append-only record of a lifecycle cleanup run. Rows are
// never updated after completion and never deleted.
type CleanupLog struct {
	ID          string        `json:"id" badgerhold:"key"`
	StartedAt   time.Time     `json:"started_at" badgerhold:"index"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Status      CleanupStatus `json:"status"`

	SessionsExpired int `json:"sessions_expired"`
	JobsExpired     int `json:"jobs_expired"`
	BlobsDeleted    int `json:"blobs_deleted"`

	// Errors collects per-session failure descriptions; a run with partial
	// errors still completes.
	Errors []string `json:"errors,omitempty"`
}

// NewCleanupLog starts a cleanup record.
func NewCleanupLog(id string) *CleanupLog {
	return &CleanupLog{
		ID:        id,
		StartedAt: time.Now().UTC(),
		Status:    CleanupStatusRunning,
	}
}

// Finish closes the record. The run is failed only when it expired nothing
// and collected errors; partial success completes.
func (c *CleanupLog) Finish() {
	now := time.Now().UTC()
	c.CompletedAt = &now
	if len(c.Errors) > 0 && c.SessionsExpired == 0 {
		c.Status = CleanupStatusFailed
		return
	}
	c.Status = CleanupStatusCompleted
}

// AddError appends a failure description without aborting the run.
func (c *CleanupLog) AddError(msg string) {
	c.Errors = append(c.Errors, msg)
}
