package status

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
)

// Service reports process health for the status endpoint: storage
// reachability, active session count and uptime.
type Service struct {
	storage   interfaces.StorageManager
	logger    arbor.ILogger
	startedAt time.Time
	mu        sync.RWMutex
}

// NewService creates a new status service
func NewService(storage interfaces.StorageManager, logger arbor.ILogger) *Service {
	return &Service{
		storage:   storage,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// GetStatus returns the current health snapshot. Storage trouble degrades
// the report instead of failing it.
func (s *Service) GetStatus(ctx context.Context) map[string]interface{} {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	database := "CONNECTED"
	active, err := s.storage.SessionStorage().CountActiveSessions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Status probe failed to count active sessions")
		database = "ERROR"
		active = 0
	}

	return map[string]interface{}{
		"status":          "online",
		"database":        database,
		"active_sessions": active,
		"uptime":          time.Since(startedAt).Round(time.Second).String(),
		"version":         common.GetVersion(),
		"build":           common.GetBuild(),
		"timestamp":       time.Now().UTC(),
	}
}

// Uptime returns how long the process has been serving.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startedAt)
}
