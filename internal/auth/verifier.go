package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// claims are the token fields the backend reads.
type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks RS256 tokens against a JWKS endpoint first and a static
// PEM key second.
type Verifier struct {
	keys   *KeySet
	static *rsa.PublicKey
	logger *slog.Logger
}

// NewVerifier creates a Verifier. Either keys or staticPEM may be empty;
// with neither, Verify fails with ErrKeyNotConfigured.
func NewVerifier(keys *KeySet, staticPEM string, logger *slog.Logger) (*Verifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{keys: keys, logger: logger}
	if pem := strings.TrimSpace(staticPEM); pem != "" {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parse verification key: %w", err)
		}
		v.static = key
	}
	return v, nil
}

// Verify validates token and returns its principal. Expired or invalid
// tokens wrap ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	if v.keys == nil && v.static == nil {
		return Principal{}, ErrKeyNotConfigured
	}

	var (
		c   *claims
		err error
	)
	if v.keys != nil {
		c, err = v.parse(token, func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("token has no kid header")
			}
			return v.keys.Key(ctx, kid)
		})
	}
	if v.static != nil && (v.keys == nil || err != nil) {
		jwksErr := err
		c, err = v.parse(token, func(*jwt.Token) (any, error) { return v.static, nil })
		if err != nil && jwksErr != nil {
			err = jwksErr
		}
	}
	if err != nil {
		return Principal{}, err
	}

	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: invalid token: missing user ID", ErrUnauthorized)
	}
	return Principal{UserID: c.Subject, Email: c.Email}, nil
}

func (v *Verifier) parse(token string, keyFunc jwt.Keyfunc) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, keyFunc, jwt.WithValidMethods([]string{"RS256"}))
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenExpired)
	default:
		return nil, fmt.Errorf("%w: invalid token: %v", ErrUnauthorized, err)
	}
}
