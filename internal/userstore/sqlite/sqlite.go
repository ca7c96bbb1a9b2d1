package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tokligence/credit-gateway/internal/userstore"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// Store implements userstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// DSN builds the driver connection string for path. Writers take the lock
// at BEGIN so that concurrent ledger transactions queue on busy_timeout
// instead of failing on upgrade.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// New opens (or creates) a SQLite user store at the supplied path.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("userstore: sqlite path required")
	}
	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create identity directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if memory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	} else if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle so the ledger can share the users table.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL CHECK(role IN ('USER','ADMIN')),
	credits INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*userstore.User, error) {
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
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO users(email, role, credits, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		email, string(role), credits, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, userstore.ErrDuplicateEmail
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &userstore.User{ID: id, Email: email, Role: role, Credits: credits, CreatedAt: now, UpdatedAt: now}, nil
}

// FindByID returns the user with id, if present.
func (s *Store) FindByID(ctx context.Context, id int64) (*userstore.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// FindByEmail returns the user matching the email, if present.
func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ? LIMIT 1`, userstore.NormalizeEmail(email)))
}

// EnsureAdmin guarantees an admin account exists with the provided email.
func (s *Store) EnsureAdmin(ctx context.Context, email string, credits int64) (u *userstore.User, err error) {
	email = userstore.NormalizeEmail(email)
	if email == "" {
		email = "admin@local"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	existing, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Role != userstore.RoleAdmin {
			if _, err = tx.ExecContext(ctx, `UPDATE users SET role = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(userstore.RoleAdmin), existing.ID); err != nil {
				return nil, err
			}
			existing.Role = userstore.RoleAdmin
		}
		return existing, nil
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO users(email, role, credits, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		email, string(userstore.RoleAdmin), credits, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &userstore.User{ID: id, Email: email, Role: userstore.RoleAdmin, Credits: credits, CreatedAt: now, UpdatedAt: now}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
