// -----------------------------------------------------------------------
// Session - Per-user processing session with state machine and retention
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"math"
	"time"
)

// SessionStatus represents the state of a processing session.
//
// Transitions are monotonic:
//
//	UPLOADING → PROCESSING → POST_PROCESSING → COMPLETED
//	      ↘ FAILED                    ↘ FAILED
//	(any state) → EXPIRED (by lifecycle manager)
//	(any pre-terminal) → CANCELLED (by explicit request)
type SessionStatus string

const (
	SessionStatusUploading      SessionStatus = "UPLOADING"
	SessionStatusProcessing     SessionStatus = "PROCESSING"
	SessionStatusPostProcessing SessionStatus = "POST_PROCESSING"
	SessionStatusCompleted      SessionStatus = "COMPLETED"
	SessionStatusFailed         SessionStatus = "FAILED"
	SessionStatusExpired        SessionStatus = "EXPIRED"
	SessionStatusCancelled      SessionStatus = "CANCELLED"
)

// Session is a user-scoped unit of work: a batch of uploaded files sharing
// one retention window and one state machine. A session exclusively owns its
// jobs and every blob under BlobPrefix; deleting the session deletes all
// descendants.
type Session struct {
	ID     string        `json:"id" badgerhold:"key"`
	UserID string        `json:"user_id" badgerhold:"index"`
	Status SessionStatus `json:"status" badgerhold:"index"`

	// ModelID selects the trained field schema at the extraction provider.
	ModelID string `json:"model_id"`

	// BlobPrefix is the deterministic path root users/{userId}/sessions/{id}/
	// that all session artifacts live under.
	BlobPrefix string `json:"blob_prefix"`

	TotalFiles int `json:"total_files"`
	TotalPages int `json:"total_pages"`

	// ProcessedPages counts child jobs that reached a terminal status.
	// Monotonic, incremented exactly once per job; never exceeds TotalPages.
	ProcessedPages int `json:"processed_pages"`

	// Post-processing bookkeeping (canonical renaming stage).
	PostProcessedCount        int        `json:"post_processed_count"`
	PostProcessingStartedAt   *time.Time `json:"post_processing_started_at,omitempty"`
	PostProcessingCompletedAt *time.Time `json:"post_processing_completed_at,omitempty"`

	// ZipURL is the archive download route, reported on status reads once
	// the session reaches COMPLETED.
	ZipURL string `json:"zip_url,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" badgerhold:"index"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewSession creates a session in UPLOADING state with the retention window
// applied. The blob prefix follows the stable layout contract.
func NewSession(id, userID, modelID string, retention time.Duration) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		UserID:     userID,
		Status:     SessionStatusUploading,
		ModelID:    modelID,
		BlobPrefix: fmt.Sprintf("users/%s/sessions/%s/", userID, id),
		CreatedAt:  now,
		ExpiresAt:  now.Add(retention),
	}
}

// sessionTransitions holds the allowed forward edges of the state machine.
// EXPIRED and CANCELLED are handled separately (see CanTransitionTo).
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusUploading:      {SessionStatusProcessing, SessionStatusFailed},
	SessionStatusProcessing:     {SessionStatusPostProcessing, SessionStatusFailed},
	SessionStatusPostProcessing: {SessionStatusCompleted, SessionStatusFailed},
}

// CanTransitionTo reports whether moving to target is a legal transition.
// EXPIRED is reachable from any state; CANCELLED from any pre-terminal state.
func (s *Session) CanTransitionTo(target SessionStatus) bool {
	if target == SessionStatusExpired {
		return true
	}
	if target == SessionStatusCancelled {
		return !s.IsTerminal()
	}
	for _, next := range sessionTransitions[s.Status] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the session can make no further forward
// progress. EXPIRED is terminal; an expired session only awaits cleanup.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusExpired, SessionStatusCancelled:
		return true
	}
	return false
}

// IsExpired reports whether the retention window has elapsed at the given
// instant, regardless of the stored status.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MarkProcessing moves the session out of the upload stage.
func (s *Session) MarkProcessing() {
	s.Status = SessionStatusProcessing
}

// MarkPostProcessing records entry into the renaming stage.
func (s *Session) MarkPostProcessing() {
	s.Status = SessionStatusPostProcessing
	now := time.Now().UTC()
	s.PostProcessingStartedAt = &now
}

// MarkCompleted finalizes the session. A session with zero successful jobs
// still completes; the package is then an empty archive plus summary.
func (s *Session) MarkCompleted() {
	s.Status = SessionStatusCompleted
	now := time.Now().UTC()
	s.CompletedAt = &now
	if s.PostProcessingStartedAt != nil && s.PostProcessingCompletedAt == nil {
		s.PostProcessingCompletedAt = &now
	}
}

// MarkFailed records a coordinator-level failure. Per-job failures never
// fail the session; only storage or database outages land here.
func (s *Session) MarkFailed(errorMsg string) {
	s.Status = SessionStatusFailed
	s.Error = errorMsg
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkExpired is applied by the lifecycle manager during cleanup.
func (s *Session) MarkExpired() {
	s.Status = SessionStatusExpired
}

// MarkCancelled is applied on explicit user request.
func (s *Session) MarkCancelled() {
	s.Status = SessionStatusCancelled
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// Progress returns the completion percentage, rounded to the nearest
// integer. A session with zero pages reports 0.
func (s *Session) Progress() int {
	if s.TotalPages == 0 {
		return 0
	}
	return int(math.Round(float64(s.ProcessedPages) / float64(s.TotalPages) * 100))
}
