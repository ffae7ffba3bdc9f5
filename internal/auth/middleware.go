package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ternarybob/recursion-orchestrator/internal/models"
)

type contextKey string

const authContextKey contextKey = "auth.authenticated"

// WithAuthenticated stores the verified identity on ctx.
func WithAuthenticated(ctx context.Context, auth *Authenticated) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}

// FromContext retrieves the identity a prior Middleware call attached.
func FromContext(ctx context.Context) (*Authenticated, bool) {
	auth, ok := ctx.Value(authContextKey).(*Authenticated)
	return auth, ok
}

// extractBearerToken reads the "Authorization: Bearer <token>" header.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// Middleware authenticates every request via its bearer token, then
// enforces that the identity carries requiredScope before calling next
// (spec §4.6: "missing scope yields 403 with the specific missing scope in
// the body").
func Middleware(svc *Service, requiredScope models.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenID, found := extractBearerToken(r)
			if !found {
				writeAuthError(w, &Error{Type: ErrMissingToken})
				return
			}

			authenticated, err := svc.Verify(r.Context(), tokenID)
			if err != nil {
				writeAuthError(w, err)
				return
			}

			if !authenticated.HasScope(requiredScope) {
				writeScopeError(w, requiredScope)
				return
			}

			ctx := WithAuthenticated(r.Context(), authenticated)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
