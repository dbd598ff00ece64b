// Package auth verifies credentials and issues bearer tokens. Two providers exist:
// Local keeps bcrypt hashes in the ledger database and signs its own tokens, GoTrue
// delegates to a Supabase project's auth API.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

type Identity struct {
	AccountID string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Provider is implemented by Local and GoTrue. Errors other than the sentinels above
// mean the provider itself could not be reached.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (Identity, error)
	SignIn(ctx context.Context, email, password string) (Identity, error)
	// SignOut invalidates token. Signing out an already invalid token is not an error.
	SignOut(ctx context.Context, token string) error
	Verify(ctx context.Context, token string) (Identity, error)
}
