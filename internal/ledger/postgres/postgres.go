package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL. It shares the database
// (not the pool) with the user store: balances are users.credits.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	LifetimeMinutes int
	IdleTimeMinutes int
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.LifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(pool.LifetimeMinutes) * time.Minute)
	}
	if pool.IdleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(pool.IdleTimeMinutes) * time.Minute)
	}
	s, err := NewWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open handle and applies the ledger schema.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	user_id BIGINT NOT NULL,
	type TEXT NOT NULL CHECK(type IN ('CREDIT','DEBIT')),
	amount BIGINT NOT NULL CHECK(amount >= 0),
	balance_before BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('PENDING','COMPLETED','FAILED')),
	description TEXT NOT NULL DEFAULT '',
	model_name TEXT,
	tokens_used BIGINT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_seq ON transactions(user_id, seq DESC);
CREATE OR REPLACE FUNCTION transactions_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'transactions are append-only';
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS transactions_no_update_delete ON transactions;
CREATE TRIGGER transactions_no_update_delete BEFORE UPDATE OR DELETE ON transactions
	FOR EACH ROW EXECUTE FUNCTION transactions_append_only();
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Balance returns users.credits for userID.
func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	var credits int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUserNotFound
	}
	return credits, err
}

// Apply locks the user row, appends the transaction and writes the new
// balance in one database transaction.
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
	if err = tx.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1 FOR UPDATE`, m.UserID).Scan(&before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ledger.ErrUserNotFound
		}
		return ledger.Transaction{}, err
	}

	out = m.Settle(before, s.now())
	var model sql.NullString
	if out.ModelName != "" {
		model = sql.NullString{String: out.ModelName, Valid: true}
	}
	var tokens sql.NullInt64
	if out.TokensUsed != nil {
		tokens = sql.NullInt64{Int64: *out.TokensUsed, Valid: true}
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO transactions(id, user_id, type, amount, balance_before, balance_after, status, description, model_name, tokens_used, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		out.ID, out.UserID, string(out.Type), out.Amount, out.BalanceBefore, out.BalanceAfter,
		string(out.Status), out.Description, model, tokens, out.CreatedAt,
	); err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE users SET credits = $1, updated_at = NOW() WHERE id = $2`,
		out.BalanceAfter, out.UserID); err != nil {
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, type, amount, balance_before, balance_after, status, description, model_name, tokens_used, created_at
FROM transactions
WHERE user_id = $1
ORDER BY seq DESC
LIMIT $2 OFFSET $3`, userID, limit, offset)
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
