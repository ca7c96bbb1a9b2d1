package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, forged or expired tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

const issuer = "credit-gateway"

// Identity is the authenticated caller: an opaque user id plus role.
type Identity struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

// IsAdmin reports whether the identity carries the ADMIN role.
func (i Identity) IsAdmin() bool {
	return i.Role == "ADMIN"
}

// Claims are the JWT claims issued by the gateway.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

// Manager issues and validates HS256 bearer tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret and default token lifetime.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// IssueToken signs a token for the identity. A zero ttl uses the manager default.
func (m *Manager) IssueToken(id Identity, ttl time.Duration) (string, error) {
	if id.UserID <= 0 {
		return "", errors.New("auth: user id required")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: id.UserID,
		Role:   id.Role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies the signature and expiry and returns the identity.
func (m *Manager) ValidateToken(tokenStr string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID <= 0 {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches the caller identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
