// Package auth resolves bearer tokens to request actors.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"membership/internal/types"
)

// Claims are the fields read from an access token. Tokens are minted by the
// identity service; this package only verifies them.
type Claims struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuthenticator verifies HS256 access tokens. The subject claim is the
// user ID.
type TokenAuthenticator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
	clock  types.Clock
}

// NewTokenAuthenticator builds an authenticator for tokens signed with
// secret. A non-empty issuer is enforced; leeway absorbs clock skew on exp
// and nbf.
func NewTokenAuthenticator(secret types.SecretString, issuer string, leeway time.Duration, clock types.Clock) *TokenAuthenticator {
	if clock == nil {
		clock = types.RealClock{}
	}
	a := &TokenAuthenticator{
		secret: []byte(secret.Unmask()),
		issuer: issuer,
		clock:  clock,
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.clock.Now() }),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	a.parser = jwt.NewParser(opts...)
	return a
}

// ResolveToken validates the token and returns the user Actor it names.
//
// Errors:
//   - auth_token_expired when exp has passed
//   - auth_token_invalid for anything else (bad signature, wrong alg,
//     missing subject)
func (a *TokenAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid token", err)
	}
	if claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}

	return &types.Actor{
		ID:    claims.Subject,
		Type:  types.ActorTypeUser,
		Email: claims.Email,
		Phone: claims.Phone,
	}, nil
}

// IssueToken signs a token for userID valid for ttl. Local tooling and tests
// use it to call the API as a given user.
func (a *TokenAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
