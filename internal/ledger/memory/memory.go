package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

// Store is an in-process ledger.Store. Balances and the log live behind one
// mutex, which gives every Apply the same all-or-nothing guarantee the SQL
// stores get from a database transaction.
type Store struct {
	mu       sync.Mutex
	balances map[int64]int64
	log      map[int64][]ledger.Transaction
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		balances: make(map[int64]int64),
		log:      make(map[int64][]ledger.Transaction),
		now:      time.Now,
	}
}

// Open registers an account with its opening balance. Reopening an existing
// account is a no-op.
func (s *Store) Open(userID, credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[userID]; !ok {
		s.balances[userID] = credits
	}
}

func (s *Store) Balance(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return b, nil
}

func (s *Store) Apply(ctx context.Context, m ledger.Mutation) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.balances[m.UserID]
	if !ok {
		return ledger.Transaction{}, ledger.ErrUserNotFound
	}
	tx := m.Settle(before, s.now())
	s.balances[m.UserID] = tx.BalanceAfter
	s.log[m.UserID] = append(s.log[m.UserID], tx)
	return tx, nil
}

func (s *Store) List(_ context.Context, userID int64, offset, limit int) ([]ledger.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.log[userID]
	total := len(all)
	var out []ledger.Transaction
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, total, nil
}

func (s *Store) Close() error { return nil }
