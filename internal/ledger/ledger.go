// Package ledger owns credit balances and the append-only transaction log.
// Every balance change goes through a Store as one atomic Apply.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUserNotFound is returned when the account holder does not exist.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrUnauthorized is returned when a non-admin actor attempts a credit.
	ErrUnauthorized = errors.New("ledger: unauthorized")
	// ErrInvalidAmount is returned for non-positive mutation amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Type indicates whether credits were added to or removed from a balance.
type Type string

const (
	TypeCredit Type = "CREDIT"
	TypeDebit  Type = "DEBIT"
)

// Status of a transaction row. Stores only ever commit COMPLETED rows; the
// other states exist for rows imported from external systems.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"userId"`
	Type          Type      `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	Status        Status    `json:"status"`
	Description   string    `json:"description"`
	ModelName     string    `json:"modelName,omitempty"`
	TokensUsed    *int64    `json:"tokensUsed,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Signed returns the balance delta of the transaction.
func (t Transaction) Signed() int64 {
	if t.Type == TypeCredit {
		return t.Amount
	}
	return -t.Amount
}

// Mutation is a balance change requested from a Store.
type Mutation struct {
	UserID      int64
	Type        Type
	Amount      int64
	Description string
	ModelName   string
	TokensUsed  *int64
}

// Delta returns the signed change applied to the balance.
func (m Mutation) Delta() int64 {
	if m.Type == TypeCredit {
		return m.Amount
	}
	return -m.Amount
}

// Settle builds the completed transaction for a mutation applied on top of
// balanceBefore. Stores call it inside their atomic unit.
func (m Mutation) Settle(balanceBefore int64, now time.Time) Transaction {
	return Transaction{
		ID:            uuid.NewString(),
		UserID:        m.UserID,
		Type:          m.Type,
		Amount:        m.Amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore + m.Delta(),
		Status:        StatusCompleted,
		Description:   m.Description,
		ModelName:     m.ModelName,
		TokensUsed:    m.TokensUsed,
		CreatedAt:     now.UTC(),
	}
}

// Store defines persistence behaviour for the ledger.
//
// Apply must read the balance, insert the transaction and write the new
// balance as one atomic unit, and must serialize concurrent mutations for the
// same user. It returns ErrUserNotFound when the user does not exist.
type Store interface {
	Balance(ctx context.Context, userID int64) (int64, error)
	Apply(ctx context.Context, m Mutation) (Transaction, error)
	List(ctx context.Context, userID int64, offset, limit int) ([]Transaction, int, error)
	Close() error
}
