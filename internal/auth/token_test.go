package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membership/internal/types"
)

var authNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestAuthenticator(issuer string) (*TokenAuthenticator, *types.FixedClock) {
	clock := &types.FixedClock{T: authNow}
	return NewTokenAuthenticator("test-signing-secret", issuer, 30*time.Second, clock), clock
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestResolveToken_Valid(t *testing.T) {
	a, _ := newTestAuthenticator("")
	token := sign(t, jwt.SigningMethodHS256, []byte("test-signing-secret"), Claims{
		Email: "u@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(authNow.Add(time.Hour)),
		},
	})

	actor, err := a.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", actor.ID)
	assert.Equal(t, types.ActorTypeUser, actor.Type)
	assert.Equal(t, "u@example.com", actor.Email)
}

func TestResolveToken_IssueRoundTrip(t *testing.T) {
	a, _ := newTestAuthenticator("identity")
	token, err := a.IssueToken("user-7", time.Minute)
	require.NoError(t, err)

	actor, err := a.ResolveToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", actor.ID)
}

func TestResolveToken_Expired(t *testing.T) {
	a, clock := newTestAuthenticator("")
	token, err := a.IssueToken("user-1", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	_, err = a.ResolveToken(context.Background(), token)
	assert.True(t, types.HasCode(err, types.ErrCodeAuthTokenExpired), "got %v", err)
}

func TestResolveToken_WithinLeeway(t *testing.T) {
	a, clock := newTestAuthenticator("")
	token, err := a.IssueToken("user-1", time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute + 10*time.Second)

	_, err = a.ResolveToken(context.Background(), token)
	assert.NoError(t, err)
}

func TestResolveToken_Invalid(t *testing.T) {
	a, _ := newTestAuthenticator("identity")
	exp := jwt.NewNumericDate(authNow.Add(time.Hour))

	tests := map[string]string{
		"garbage": "not.a.jwt",
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other-secret"),
			jwt.RegisteredClaims{Subject: "u", Issuer: "identity", ExpiresAt: exp}),
		"wrong alg": sign(t, jwt.SigningMethodHS512, []byte("test-signing-secret"),
			jwt.RegisteredClaims{Subject: "u", Issuer: "identity", ExpiresAt: exp}),
		"wrong issuer": sign(t, jwt.SigningMethodHS256, []byte("test-signing-secret"),
			jwt.RegisteredClaims{Subject: "u", Issuer: "someone-else", ExpiresAt: exp}),
		"no subject": sign(t, jwt.SigningMethodHS256, []byte("test-signing-secret"),
			jwt.RegisteredClaims{Issuer: "identity", ExpiresAt: exp}),
		"no expiry": sign(t, jwt.SigningMethodHS256, []byte("test-signing-secret"),
			jwt.RegisteredClaims{Subject: "u", Issuer: "identity"}),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.ResolveToken(context.Background(), token)
			assert.True(t, types.HasCode(err, types.ErrCodeAuthTokenInvalid), "got %v", err)
		})
	}
}
