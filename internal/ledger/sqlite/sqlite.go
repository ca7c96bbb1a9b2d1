package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

// Store implements ledger.Store on the SQLite database that holds the users
// table. Balances live in users.credits; the store adds the transactions table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New attaches the ledger to an open handle. The handle must be opened with
// _txlock=immediate so that every Apply holds the write lock from its first read.
// Close does not close the shared handle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("ledger: sqlite handle required")
	}
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('CREDIT','DEBIT')),
	amount INTEGER NOT NULL CHECK(amount >= 0),
	balance_before INTEGER NOT NULL,
	balance_after INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('PENDING','COMPLETED','FAILED')),
	description TEXT NOT NULL DEFAULT '',
	model_name TEXT,
	tokens_used INTEGER,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_seq ON transactions(user_id, seq DESC);
CREATE TRIGGER IF NOT EXISTS transactions_no_update BEFORE UPDATE ON transactions
BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
CREATE TRIGGER IF NOT EXISTS transactions_no_delete BEFORE DELETE ON transactions
BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Close is a no-op; the user store owns the handle.
func (s *Store) Close() error {
	return nil
}

// Balance returns users.credits for userID.
func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUserNotFound
	}
	return credits, err
}

// Apply reads the balance, appends the transaction and writes the new
// balance inside one IMMEDIATE transaction.
func (s *Store) Apply(ctx context.Context, m ledger.Mutation) (out ledger.Transaction, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var before int64
	if err = tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, m.UserID).Scan(&before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ledger.ErrUserNotFound
		}
		return ledger.Transaction{}, err
	}

	out = m.Settle(before, s.now())
	if _, err = tx.ExecContext(ctx, `
INSERT INTO transactions(id, user_id, type, amount, balance_before, balance_after, status, description, model_name, tokens_used, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.UserID, string(out.Type), out.Amount, out.BalanceBefore, out.BalanceAfter,
		string(out.Status), out.Description, nullString(out.ModelName), nullInt(out.TokensUsed), out.CreatedAt,
	); err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE users SET credits = ?, updated_at = ? WHERE id = ?`,
		out.BalanceAfter, out.CreatedAt, out.UserID); err != nil {
		return ledger.Transaction{}, fmt.Errorf("update balance: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("commit ledger tx: %w", err)
	}
	return out, nil
}

// List returns newest-first transactions and the user's total count.
func (s *Store) List(ctx context.Context, userID int64, offset, limit int) ([]ledger.Transaction, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, type, amount, balance_before, balance_after, status, description, model_name, tokens_used, created_at
FROM transactions
WHERE user_id = ?
ORDER BY seq DESC
LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var typ, status string
		var model sql.NullString
		var tokens sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &status, &t.Description, &model, &tokens, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		t.Type = ledger.Type(typ)
		t.Status = ledger.Status(status)
		t.ModelName = model.String
		if tokens.Valid {
			n := tokens.Int64
			t.TokensUsed = &n
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}
