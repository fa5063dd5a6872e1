package models

import "time"

// CreditAccount is the minimal per-user page credit balance consulted by
// session creation. Payments and invoicing live outside this service; the
// account only gates uploads and reports the balance on status reads.
type CreditAccount struct {
	UserID    string    `json:"user_id" badgerhold:"key"`
	Balance   int       `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCreditAccount creates an account with the configured starting grant.
func NewCreditAccount(userID string, grant int) *CreditAccount {
	return &CreditAccount{
		UserID:    userID,
		Balance:   grant,
		UpdatedAt: time.Now().UTC(),
	}
}

// CanAfford reports whether the balance covers the given page count.
func (c *CreditAccount) CanAfford(pages int) bool {
	return c.Balance >= pages
}

// Touch stamps the account with the current time.
func (c *CreditAccount) Touch() {
	c.UpdatedAt = time.Now().UTC()
}
