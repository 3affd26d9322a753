// Package auth gates staff-only endpoints. Identity itself lives in an
// external system; this package only resolves a bearer token to a user and
// role.
package auth

import (
	"context"
	"net/http"
	"strings"
)

const RoleStaff = "staff"

// Identity is the resolved caller.
type Identity struct {
	UserID string
	Role   string
}

// Resolver maps a bearer token to an identity.
type Resolver interface {
	Resolve(token string) (Identity, bool)
}

// StaticTokens resolves tokens from configuration. Every configured token is
// staff; guardians authenticate through the external identity provider and
// only reach the read endpoints.
type StaticTokens struct {
	tokens map[string]string // token -> user ID
}

func NewStaticTokens(tokens map[string]string) *StaticTokens {
	return &StaticTokens{tokens: tokens}
}

func (s *StaticTokens) Resolve(token string) (Identity, bool) {
	userID, ok := s.tokens[token]
	if !ok {
		return Identity{}, false
	}
	return Identity{UserID: userID, Role: RoleStaff}, true
}

type contextKey string

const identityKey contextKey = "identity"

// FromContext returns the identity set by RequireStaff.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// RequireStaff rejects requests without a valid staff bearer token.
func RequireStaff(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			id, ok := resolver.Resolve(token)
			if !ok || id.Role != RoleStaff {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
