package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/stockpoints/backend/internal/auth"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenValidator is the interface used by BearerAuth.
type TokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// BearerAuth validates the Bearer token and stores the caller's identity in the request context.
func BearerAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, err := tokens.Validate(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole rejects callers whose identity does not carry role. Must run after BearerAuth.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromCtx(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if id.Role != role {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromCtx returns the authenticated caller.
func IdentityFromCtx(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(auth.Identity)
	return id, ok && id.UserID > 0
}

// UserIDFromCtx returns the authenticated user id, or 0.
func UserIDFromCtx(ctx context.Context) int64 {
	id, _ := IdentityFromCtx(ctx)
	return id.UserID
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	if info, ok := ctx.Value(ctxRequestInfoKey).(*requestInfo); ok {
		info.userID = id.UserID
	}
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
