package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware enforces the shared anonymous bearer credential. An
// empty configured token disables auth entirely (dev mode). The health
// endpoint stays open so load balancers need no credential.
func authMiddleware(token string) Middleware {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if !verifyBearer(r.Header.Get("Authorization"), token) {
				writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verifyBearer(header, expected string) bool {
	credential, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || credential == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(credential), []byte(expected)) == 1
}
