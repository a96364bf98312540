package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const apiKeyContextKey contextKey = "praetor.api_key"

// FromContext returns the API key attached by the middleware, or nil when
// the request was not authenticated.
func FromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*APIKey)
	return key
}

// HasPermissionFromContext reports whether the authenticated key in ctx
// grants perm.
func HasPermissionFromContext(ctx context.Context, perm Permission) bool {
	return HasPermission(FromContext(ctx), perm)
}

// Middleware returns an HTTP middleware enforcing bearer key
// authentication against store. Requests whose path matches an entry in
// skipPaths pass through unauthenticated; a trailing "*" makes an entry a
// prefix match.
func Middleware(store *KeyStore, skipPaths []string) func(http.Handler) http.Handler {
	skipExact := make(map[string]bool)
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}

	skippable := func(path string) bool {
		if skipExact[path] {
			return true
		}
		for _, p := range skipPrefix {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skippable(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, `{"error":"invalid authorization format"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if token == "" {
				http.Error(w, `{"error":"empty bearer token"}`, http.StatusUnauthorized)
				return
			}
			if store == nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			key, err := store.Validate(token)
			if err != nil {
				if strings.Contains(err.Error(), "expired") {
					http.Error(w, `{"error":"api key expired"}`, http.StatusForbidden)
					return
				}
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
