package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// SessionStorage implements the SessionStorage interface for Badger
type SessionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger

	// mu serializes conditional updates. Badgerhold has no native
	// compare-and-swap, so every read-modify-write on sessions goes
	// through this lock.
	mu sync.Mutex
}

// NewSessionStorage creates a new SessionStorage instance
func NewSessionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SessionStorage {
	return &SessionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *SessionStorage) SaveSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := s.db.Store().Upsert(session.ID, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("session not found: %s", id))
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *SessionStorage) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SaveSession(ctx, session)
}

// UpdateSessionStatus applies the transition only when the stored status
// still equals from. Concurrent callers racing on the same row see exactly
// one winner.
func (s *SessionStorage) UpdateSessionStatus(ctx context.Context, id string, from, to models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session models.Session
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewError(models.ErrNotFound, fmt.Sprintf("session not found: %s", id))
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	if session.Status != from {
		return fmt.Errorf("session %s status is %s, expected %s", id, session.Status, from)
	}
	if !session.CanTransitionTo(to) {
		return fmt.Errorf("session %s cannot transition from %s to %s", id, from, to)
	}

	switch to {
	case models.SessionStatusProcessing:
		session.MarkProcessing()
	case models.SessionStatusPostProcessing:
		session.MarkPostProcessing()
	case models.SessionStatusCompleted:
		session.MarkCompleted()
	case models.SessionStatusFailed:
		session.MarkFailed(session.Error)
	case models.SessionStatusExpired:
		session.MarkExpired()
	case models.SessionStatusCancelled:
		session.MarkCancelled()
	default:
		session.Status = to
	}

	if err := s.db.Store().Upsert(session.ID, &session); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// FailSession moves a non-terminal session to FAILED with its error
// description. Loses to any terminal state already written, so cancellation
// and expiry are never overwritten by a late supervisor.
func (s *SessionStorage) FailSession(ctx context.Context, id, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session models.Session
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewError(models.ErrNotFound, fmt.Sprintf("session not found: %s", id))
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	if session.IsTerminal() {
		return fmt.Errorf("session %s is already %s", id, session.Status)
	}

	session.MarkFailed(errorMsg)
	if err := s.db.Store().Upsert(session.ID, &session); err != nil {
		return fmt.Errorf("failed to fail session: %w", err)
	}
	return nil
}

// IncrementProcessedPages bumps the terminal-page counter by one and returns
// the new value. The counter never exceeds TotalPages.
func (s *SessionStorage) IncrementProcessedPages(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session models.Session
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return 0, models.NewError(models.ErrNotFound, fmt.Sprintf("session not found: %s", id))
		}
		return 0, fmt.Errorf("failed to get session: %w", err)
	}

	if session.TotalPages > 0 && session.ProcessedPages >= session.TotalPages {
		return session.ProcessedPages, fmt.Errorf("session %s processed pages already at total %d", id, session.TotalPages)
	}

	session.ProcessedPages++
	if err := s.db.Store().Upsert(session.ID, &session); err != nil {
		return 0, fmt.Errorf("failed to increment processed pages: %w", err)
	}
	return session.ProcessedPages, nil
}

func (s *SessionStorage) IncrementPostProcessedCount(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session models.Session
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return 0, models.NewError(models.ErrNotFound, fmt.Sprintf("session not found: %s", id))
		}
		return 0, fmt.Errorf("failed to get session: %w", err)
	}

	session.PostProcessedCount++
	if err := s.db.Store().Upsert(session.ID, &session); err != nil {
		return 0, fmt.Errorf("failed to increment post-processed count: %w", err)
	}
	return session.PostProcessedCount, nil
}

func (s *SessionStorage) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session models.Session
	if err := s.db.Store().Get(id, &session); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.NewError(models.ErrNotFound, fmt.Sprintf("session not found: %s", id))
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	session.ExpiresAt = expiresAt
	if err := s.db.Store().Upsert(session.ID, &session); err != nil {
		return fmt.Errorf("failed to update session expiry: %w", err)
	}
	return nil
}

func (s *SessionStorage) ListSessionsByUser(ctx context.Context, userID string) ([]*models.Session, error) {
	var sessions []models.Session
	if err := s.db.Store().Find(&sessions, badgerhold.Where("UserID").Eq(userID).SortBy("CreatedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list sessions by user: %w", err)
	}
	return toSessionPointers(sessions), nil
}

func (s *SessionStorage) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	var sessions []models.Session
	if err := s.db.Store().Find(&sessions, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	return toSessionPointers(sessions), nil
}

// ListExpiredSessions returns sessions past their retention deadline that
// cleanup has not yet flipped to EXPIRED.
func (s *SessionStorage) ListExpiredSessions(ctx context.Context, now time.Time) ([]*models.Session, error) {
	var sessions []models.Session
	query := badgerhold.Where("ExpiresAt").Le(now).And("Status").Ne(models.SessionStatusExpired)
	if err := s.db.Store().Find(&sessions, query); err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return toSessionPointers(sessions), nil
}

func (s *SessionStorage) CountActiveSessions(ctx context.Context) (int, error) {
	query := badgerhold.Where("Status").In(
		models.SessionStatusUploading,
		models.SessionStatusProcessing,
		models.SessionStatusPostProcessing,
	)
	count, err := s.db.Store().Count(&models.Session{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return int(count), nil
}

func toSessionPointers(sessions []models.Session) []*models.Session {
	result := make([]*models.Session, len(sessions))
	for i := range sessions {
		result[i] = &sessions[i]
	}
	return result
}
