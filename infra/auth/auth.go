// Package auth resolves handshake tokens to identities. The default
// validator checks HMAC-signed JWTs locally; fx decorators layer an identity
// cache and a circuit breaker on top, so reconnect storms skip repeated
// signature work and a failing verifier backend cannot stall admission.
//
// A failed check is a verdict, not an error: validators return an Identity
// with Valid=false and a Reason alongside a nil error. Errors are reserved
// for infrastructure faults, which is exactly what the breaker counts.
package auth

import (
	"context"
	"time"
)

// Identity is the resolved owner of a token.
type Identity struct {
	Valid       bool
	UserID      string
	Email       string
	Permissions []string
	ExpiresAt   time.Time

	// Reason explains a rejection. Empty on valid identities.
	Reason string
}

// Reject builds the standard rejection verdict.
func Reject(reason string) *Identity {
	return &Identity{Reason: reason}
}

// TokenValidator turns a raw bearer token into an identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}
