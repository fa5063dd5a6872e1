// -----------------------------------------------------------------------
// Credit Service - page-credit gate consulted by session creation
// -----------------------------------------------------------------------

package credits

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/models"
)

// Service maintains per-user page balances. Accounts are created lazily on
// first access with the configured starting grant; payment flows that top a
// balance up live outside this process.
type Service struct {
	storage interfaces.CreditStorage
	grant   int
	logger  arbor.ILogger

	// mu serializes lazy account creation so a concurrent first access
	// cannot overwrite a balance that already absorbed a reservation.
	mu sync.Mutex
}

var _ interfaces.CreditService = (*Service)(nil)

// NewService creates the credit service. The starting grant comes from the
// session configuration.
func NewService(storage interfaces.CreditStorage, config *common.SessionConfig, logger arbor.ILogger) *Service {
	grant := 0
	if config != nil {
		grant = config.CreditGrant
	}
	return &Service{
		storage: storage,
		grant:   grant,
		logger:  logger,
	}
}

// Balance returns the user's current page balance, creating the account with
// the starting grant when the user is new.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	account, err := s.ensureAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Reserve deducts pages from the balance before any work is queued. A
// shortfall rejects the whole reservation; partial deductions never happen.
func (s *Service) Reserve(ctx context.Context, userID string, pages int) error {
	if pages <= 0 {
		return nil
	}
	if _, err := s.ensureAccount(ctx, userID); err != nil {
		return err
	}

	balance, err := s.storage.AdjustBalance(ctx, userID, -pages)
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("user_id", userID).
		Int("pages", pages).
		Int("balance", balance).
		Msg("Credits reserved")
	return nil
}

// Refund returns pages to the balance, used when session creation fails
// after the reservation already went through.
func (s *Service) Refund(ctx context.Context, userID string, pages int) error {
	if pages <= 0 {
		return nil
	}
	if _, err := s.ensureAccount(ctx, userID); err != nil {
		return err
	}

	balance, err := s.storage.AdjustBalance(ctx, userID, pages)
	if err != nil {
		return fmt.Errorf("failed to refund credits: %w", err)
	}

	s.logger.Info().
		Str("user_id", userID).
		Int("pages", pages).
		Int("balance", balance).
		Msg("Credits refunded")
	return nil
}

func (s *Service) ensureAccount(ctx context.Context, userID string) (*models.CreditAccount, error) {
	if userID == "" {
		return nil, models.NewError(models.ErrInvalidInput, "user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.storage.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !models.IsKind(err, models.ErrNotFound) {
		return nil, err
	}

	account = models.NewCreditAccount(userID, s.grant)
	if err := s.storage.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create credit account: %w", err)
	}

	s.logger.Info().
		Str("user_id", userID).
		Int("grant", s.grant).
		Msg("Credit account created")
	return account, nil
}
