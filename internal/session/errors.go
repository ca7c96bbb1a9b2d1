package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is returned when the pre-check estimate exceeds
	// the spendable balance.
	ErrInsufficientCredits = errors.New("session: insufficient credits")
	// ErrSessionAlreadyActive is returned when the user already has a
	// generation in flight and did not ask to supersede it.
	ErrSessionAlreadyActive = errors.New("session: generation already active")
)

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
