package middleware

import (
	"context"
	"net/http"

	"github.com/aitherapy/chat-platform/internal/identity"
)

type contextKey string

const sessionContextKey contextKey = "aitherapy.session"

// RequireSession rejects requests without a valid bearer token and stores
// the verified session in the request context for downstream handlers.
func RequireSession(verifier *identity.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := identity.TokenFromHeader(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			sess, err := verifier.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, "invalid session token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the verified session stored by RequireSession.
func SessionFromContext(ctx context.Context) (*identity.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*identity.Session)
	return sess, ok
}
