package core

import (
	"context"

	"membership/internal/types"
)

// Authenticator decouples the HTTP layer from token verification, allowing
// for easy mocking in tests.
type Authenticator interface {
	// ResolveToken validates a bearer token and returns the Actor it names.
	//
	// Distinct Error Codes:
	// - auth_token_invalid if the token is malformed or fails verification.
	// - auth_token_expired if the token verified but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// IdempotencyStore tracks Idempotency-Key state per caller scope.
type IdempotencyStore interface {
	// Get returns the record for key, or nil when none exists.
	Get(ctx context.Context, key, scope string) (*IdempotencyRecord, error)
	// Create claims key. It returns ErrIdempotencyKeyExists if another
	// request already holds it.
	Create(ctx context.Context, key, scope, path string) error
	// Complete stores the final response for replay.
	Complete(ctx context.Context, key, scope string, status int, body []byte) error
	// Fail releases key so the request can be retried.
	Fail(ctx context.Context, key, scope string) error
}
