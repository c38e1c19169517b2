// Package authmw guards the alert API with a static bearer token.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const (
	scheme = "Bearer "
	realm  = `Bearer realm="sentinel"`
)

// BearerToken returns middleware requiring "Authorization: Bearer <token>".
// An empty token disables the check so that a local deployment without
// SENTINEL_API_TOKEN keeps working. Tokens are compared in constant time.
func BearerToken(token string) func(http.Handler) http.Handler {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, scheme) {
				deny(w, "missing or malformed authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[len(scheme):]), expected) != 1 {
				deny(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", realm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
