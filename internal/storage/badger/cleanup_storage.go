package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CleanupStorage implements the CleanupStorage interface for Badger.
// The log is append-only; entries are never updated after Finish.
type CleanupStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCleanupStorage creates a new CleanupStorage instance
func NewCleanupStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CleanupStorage {
	return &CleanupStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CleanupStorage) SaveCleanupLog(ctx context.Context, log *models.CleanupLog) error {
	if log.ID == "" {
		return fmt.Errorf("cleanup log ID is required")
	}
	if err := s.db.Store().Upsert(log.ID, log); err != nil {
		return fmt.Errorf("failed to save cleanup log: %w", err)
	}
	return nil
}

func (s *CleanupStorage) ListCleanupLogs(ctx context.Context, limit int) ([]*models.CleanupLog, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var logs []models.CleanupLog
	if err := s.db.Store().Find(&logs, query); err != nil {
		return nil, fmt.Errorf("failed to list cleanup logs: %w", err)
	}

	result := make([]*models.CleanupLog, len(logs))
	for i := range logs {
		result[i] = &logs[i]
	}
	return result, nil
}

func (s *CleanupStorage) CountCleanupLogs(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.CleanupLog{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count cleanup logs: %w", err)
	}
	return int(count), nil
}
