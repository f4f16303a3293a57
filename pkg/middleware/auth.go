// Package middleware provides the HTTP middleware shared by the X-Pkg
// services: token annotation for rate-limit keying and the redis-backed
// rate limiter itself.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/xpkg-net/registry/pkg/contextkeys"
)

// TokenResolver resolves a bearer token to the account behind it. The
// identity service satisfies it.
type TokenResolver interface {
	ResolveUserID(ctx context.Context, token string) (string, error)
}

// Annotate tags authenticated requests with their account id so the rate
// limiter keys per author instead of per address. It never rejects;
// handlers do their own scope checks.
func Annotate(resolver TokenResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if token, ok := strings.CutPrefix(header, "Bearer "); ok {
				if userID, err := resolver.ResolveUserID(r.Context(), token); err == nil {
					r = r.WithContext(contextkeys.WithUserID(r.Context(), userID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
