package userstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrDuplicateEmail is returned when creating a user whose email is taken.
var ErrDuplicateEmail = errors.New("userstore: email already registered")

// Role represents a capability level within the gateway.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// ParseRole normalizes a role name; empty means USER.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(RoleUser):
		return RoleUser, nil
	case string(RoleAdmin):
		return RoleAdmin, nil
	}
	return "", errors.New("userstore: unknown role " + s)
}

// User represents an identity managed by the gateway. Credits is read here
// but only the ledger changes it after creation.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the user holds elevated privilege.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Store persists gateway users across SQLite/Postgres backends.
// Finders return (nil, nil) when no user matches.
type Store interface {
	CreateUser(ctx context.Context, email string, role Role, credits int64) (*User, error)
	FindByID(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	// EnsureAdmin returns the admin with email, creating it with the given
	// credits or promoting an existing user.
	EnsureAdmin(ctx context.Context, email string, credits int64) (*User, error)
	Close() error
}

// Admins adapts a Store to the ledger's admin check.
type Admins struct{ Store Store }

// IsAdmin reports whether actorID is an existing admin.
func (a Admins) IsAdmin(ctx context.Context, actorID int64) (bool, error) {
	u, err := a.Store.FindByID(ctx, actorID)
	if err != nil {
		return false, err
	}
	return u.IsAdmin(), nil
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail performs the minimal shape check used before inserts.
func ValidEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\n")
}
