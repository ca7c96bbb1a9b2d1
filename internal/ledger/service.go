package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/pricing"
)

const (
	// DefaultPage and DefaultPageSize apply when a caller leaves them unset.
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Authorizer reports whether an actor holds elevated privilege.
type Authorizer interface {
	IsAdmin(ctx context.Context, actorID int64) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, actorID int64) (bool, error)

func (f AuthorizerFunc) IsAdmin(ctx context.Context, actorID int64) (bool, error) {
	return f(ctx, actorID)
}

// Observer is notified after every committed transaction.
type Observer interface {
	TransactionApplied(ctx context.Context, tx Transaction)
}

// Pagination describes one page of a transaction listing.
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// Page is the result of ListTransactions.
type Page struct {
	Transactions []Transaction `json:"transactions"`
	Pagination   Pagination    `json:"pagination"`
}

// Ledger owns balance mutation and the transaction log.
type Ledger struct {
	store    Store
	prices   *pricing.Table
	admins   Authorizer
	logger   *logging.Logger
	observer Observer
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(l *logging.Logger) Option { return func(g *Ledger) { g.logger = l } }

// WithObserver registers a post-commit observer.
func WithObserver(o Observer) Option { return func(g *Ledger) { g.observer = o } }

// New builds a Ledger over store.
func New(store Store, prices *pricing.Table, admins Authorizer, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: store required")
	}
	if prices == nil {
		return nil, errors.New("ledger: pricing table required")
	}
	if admins == nil {
		return nil, errors.New("ledger: authorizer required")
	}
	l := &Ledger{store: store, prices: prices, admins: admins}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// GetBalance returns the user's current credits.
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return l.store.Balance(ctx, userID)
}

// Debit removes amount credits. The balance may go negative; the minimum
// balance is only consulted by the generation pre-check.
func (l *Ledger) Debit(ctx context.Context, userID, amount int64, description, modelName string, tokensUsed *int64) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return l.apply(ctx, Mutation{
		UserID:      userID,
		Type:        TypeDebit,
		Amount:      amount,
		Description: description,
		ModelName:   modelName,
		TokensUsed:  tokensUsed,
	})
}

// Credit adds amount credits on behalf of adminID, who must be an admin.
func (l *Ledger) Credit(ctx context.Context, userID, amount, adminID int64, description string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if err := l.authorize(ctx, adminID); err != nil {
		return Transaction{}, err
	}
	return l.apply(ctx, Mutation{UserID: userID, Type: TypeCredit, Amount: amount, Description: description})
}

// Adjust applies a signed admin correction: positive amounts credit,
// negative amounts debit. The stored amount is always the magnitude.
func (l *Ledger) Adjust(ctx context.Context, userID, signedAmount, adminID int64, description string) (Transaction, error) {
	if signedAmount == 0 {
		return Transaction{}, fmt.Errorf("%w: %d", ErrInvalidAmount, signedAmount)
	}
	if err := l.authorize(ctx, adminID); err != nil {
		return Transaction{}, err
	}
	m := Mutation{UserID: userID, Type: TypeCredit, Amount: signedAmount, Description: description}
	if signedAmount < 0 {
		m.Type = TypeDebit
		m.Amount = -signedAmount
	}
	return l.apply(ctx, m)
}

// ListTransactions returns one newest-first page. Non-positive page or
// limit fall back to the defaults; limit is capped at MaxPageSize.
func (l *Ledger) ListTransactions(ctx context.Context, userID int64, page, limit int) (Page, error) {
	if page <= 0 {
		page = DefaultPage
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	rows, total, err := l.store.List(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return Page{}, err
	}
	if rows == nil {
		rows = []Transaction{}
	}
	return Page{
		Transactions: rows,
		Pagination: Pagination{
			Total: total,
			Page:  page,
			Limit: limit,
			Pages: (total + limit - 1) / limit,
		},
	}, nil
}

// EstimateCost prices tokens for model.
func (l *Ledger) EstimateCost(model string, tokens int64) (int64, error) {
	return l.prices.Cost(model, tokens)
}

func (l *Ledger) authorize(ctx context.Context, actorID int64) error {
	ok, err := l.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("ledger: check admin %d: %w", actorID, err)
	}
	if !ok {
		l.logger.Warnf("credit refused: actor=%d is not an admin", actorID)
		return ErrUnauthorized
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, m Mutation) (Transaction, error) {
	m.Description = strings.TrimSpace(m.Description)
	tx, err := l.store.Apply(ctx, m)
	if err != nil {
		l.logger.Errorf("%s user=%d amount=%d failed: %v", m.Type, m.UserID, m.Amount, err)
		return Transaction{}, err
	}
	l.logger.Infof("%s user=%d amount=%d balance %d -> %d tx=%s", tx.Type, tx.UserID, tx.Amount, tx.BalanceBefore, tx.BalanceAfter, tx.ID)
	if l.observer != nil {
		l.observer.TransactionApplied(ctx, tx)
	}
	return tx, nil
}
