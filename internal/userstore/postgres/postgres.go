package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tokligence/credit-gateway/internal/userstore"
)

// Store implements userstore.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New opens a Postgres-backed user store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	s, err := NewWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open handle and applies the schema.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL CHECK(role IN ('USER','ADMIN')),
	credits BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

const userColumns = `id, email, role, credits, created_at, updated_at`

func scanUser(row *sql.Row) (*userstore.User, error) {
	var u userstore.User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &role, &u.Credits, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.Role = userstore.Role(role)
	return &u, nil
}

// CreateUser inserts a user with an opening balance.
func (s *Store) CreateUser(ctx context.Context, email string, role userstore.Role, credits int64) (*userstore.User, error) {
	email = userstore.NormalizeEmail(email)
	if !userstore.ValidEmail(email) {
		return nil, fmt.Errorf("userstore: invalid email %q", email)
	}
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`INSERT INTO users(email, role, credits) VALUES($1, $2, $3) RETURNING `+userColumns,
		email, string(role), credits))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, userstore.ErrDuplicateEmail
		}
		return nil, err
	}
	return u, nil
}

// FindByID returns the user with id, if present.
func (s *Store) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// FindByEmail returns the user matching the email, if present.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, userstore.NormalizeEmail(email)))
}

// EnsureAdmin creates the admin or promotes the existing user in one statement.
func (s *Store) EnsureAdmin(ctx context.Context, email string, credits int64) (*userstore.User, error) {
	email = userstore.NormalizeEmail(email)
	if email == "" {
		email = "admin@local"
	}
	return scanUser(s.db.QueryRowContext(ctx, `
INSERT INTO users(email, role, credits) VALUES($1, 'ADMIN', $2)
ON CONFLICT (email) DO UPDATE SET role = 'ADMIN', updated_at = NOW()
RETURNING `+userColumns, email, credits))
}
