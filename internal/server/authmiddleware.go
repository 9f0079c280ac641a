package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-chat-backend/internal/auth"
	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
)

// TokenVerifier turns a bearer token into a principal.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// AuthMiddleware verifies the bearer token, records the principal as a user
// row on first sight, and stores the principal in the request context.
func AuthMiddleware(verifier TokenVerifier, users storage.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.ExtractBearer(r)
			if err != nil {
				WriteError(w, r, domain.ErrAuthentication("Not authenticated").WithCause(err))
				return
			}

			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				WriteError(w, r, verifyError(err))
				return
			}

			if err := users.EnsureUser(r.Context(), &storage.User{
				ID:        principal.UserID,
				Email:     principal.Email,
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				WriteError(w, r, domain.ErrServer("failed to record user").WithCause(err))
				return
			}

			AddLogField(r.Context(), "user_id", principal.UserID)
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

func verifyError(err error) *domain.APIError {
	switch {
	case errors.Is(err, auth.ErrKeyNotConfigured):
		return domain.ErrServer(err.Error()).WithCode(domain.ErrorCodeKeyNotConfigured).WithCause(err)
	case errors.Is(err, auth.ErrTokenExpired):
		return domain.ErrAuthentication("Token has expired").WithCode(domain.ErrorCodeTokenExpired).WithCause(err)
	default:
		msg := strings.TrimPrefix(err.Error(), auth.ErrUnauthorized.Error()+": ")
		if msg != "" {
			msg = strings.ToUpper(msg[:1]) + msg[1:]
		}
		return domain.ErrAuthentication(msg).WithCause(err)
	}
}
