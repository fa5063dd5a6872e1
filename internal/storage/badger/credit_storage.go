package badger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CreditStorage implements the CreditStorage interface for Badger
type CreditStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewCreditStorage creates a new CreditStorage instance
func NewCreditStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CreditStorage {
	return &CreditStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CreditStorage) GetAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	var account models.CreditAccount
	if err := s.db.Store().Get(userID, &account); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, fmt.Sprintf("credit account not found: %s", userID))
		}
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	return &account, nil
}

func (s *CreditStorage) SaveAccount(ctx context.Context, account *models.CreditAccount) error {
	if account.UserID == "" {
		return fmt.Errorf("credit account user ID is required")
	}
	if err := s.db.Store().Upsert(account.UserID, account); err != nil {
		return fmt.Errorf("failed to save credit account: %w", err)
	}
	return nil
}

// AdjustBalance applies delta atomically. A delta that would drive the
// balance negative is rejected and the stored value is left untouched.
func (s *CreditStorage) AdjustBalance(ctx context.Context, userID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var account models.CreditAccount
	if err := s.db.Store().Get(userID, &account); err != nil {
		if err == badgerhold.ErrNotFound {
			return 0, models.NewError(models.ErrNotFound, fmt.Sprintf("credit account not found: %s", userID))
		}
		return 0, fmt.Errorf("failed to get credit account: %w", err)
	}

	next := account.Balance + delta
	if next < 0 {
		return account.Balance, models.NewError(models.ErrInsufficientCredits,
			fmt.Sprintf("balance %d insufficient for %d pages", account.Balance, -delta))
	}

	account.Balance = next
	account.Touch()
	if err := s.db.Store().Upsert(account.UserID, &account); err != nil {
		return 0, fmt.Errorf("failed to adjust credit balance: %w", err)
	}
	return account.Balance, nil
}
