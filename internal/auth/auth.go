// Package auth verifies bearer tokens issued by the identity provider and
// carries the resulting principal through request contexts.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is returned for missing, expired or invalid tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired is an ErrUnauthorized for tokens past their exp claim.
	ErrTokenExpired = errors.New("token has expired")

	// ErrKeyNotConfigured is returned when neither a JWKS URL nor a static key is set.
	ErrKeyNotConfigured = errors.New("JWT verification key not configured")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearer returns the token from an "Authorization: Bearer <token>" header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("unsupported authorization scheme")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
