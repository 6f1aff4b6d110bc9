// Package middleware authenticates API callers and tags requests.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/pysugar/marketrelay/internal/identity"
)

// UserHeader names the local user a request acts for.
const UserHeader = "X-User-ID"

// APIKeyAuth validates the API key from the Authorization or x-api-key header.
// An empty key disables the check.
func APIKeyAuth(expectedKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && keyEqual(token, expectedKey) {
				next.ServeHTTP(w, r)
				return
			}
			if keyEqual(r.Header.Get("x-api-key"), expectedKey) {
				next.ServeHTTP(w, r)
				return
			}

			writeUnauthorized(w, "Invalid API key")
		})
	}
}

// RequireCaller stores the identity.Caller named by the X-User-ID header (or
// the user_id query parameter, for browser redirects) in the request context.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		caller := identity.Caller{UserID: userID}
		if !caller.Valid() {
			writeUnauthorized(w, "Missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
	})
}

func keyEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"error":"` + message + `"}`))
}
