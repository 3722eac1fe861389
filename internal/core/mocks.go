package core

import (
	"context"
	"sync"

	"membership/internal/types"
)

// --- MockAuthenticator ---

// MockAuthenticator implements the Authenticator interface for testing.
// It allows injecting a predefined Actor for a given token, or returning
// a fixed error to simulate authentication failures.
//
// Usage:
//
//	mock := &MockAuthenticator{
//	    Actor: &types.Actor{ID: "user_test123", Type: types.ActorTypeUser},
//	}
//	actor, err := mock.ResolveToken(ctx, "eyJhbGciOi...")
//
// To simulate an error:
//
//	mock := &MockAuthenticator{
//	    Err: types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", nil),
//	}
type MockAuthenticator struct {
	// Actor is the predefined Actor returned on successful token resolution.
	// If nil and Err is also nil, ResolveToken returns (nil, nil).
	Actor *types.Actor

	// Err is the error returned by ResolveToken. When set, Actor is ignored.
	Err error

	// ResolveTokenFunc is an optional function that overrides the default behavior.
	// When set, it takes precedence over Actor and Err fields. This allows tests
	// to implement dynamic behavior based on the token value.
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	// mu protects Calls for concurrent access.
	mu sync.Mutex

	// Calls records every token passed to ResolveToken for assertion purposes.
	Calls []string
}

// ResolveToken implements the Authenticator interface.
// It records the call, then delegates to ResolveTokenFunc if set,
// otherwise returns Err (if set) or Actor.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

var _ Authenticator = (*MockAuthenticator)(nil)
