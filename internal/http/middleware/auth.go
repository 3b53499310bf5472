package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires a static bearer token on every /v1/ route. An empty token
// disables the check.
func Auth(requiredToken string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(requiredToken))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 || !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			authorization := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(authorization, prefix) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			token := []byte(strings.TrimSpace(strings.TrimPrefix(authorization, prefix)))
			if subtle.ConstantTimeCompare(token, expected) != 1 {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"},"request_id":"` + GetRequestID(r.Context()) + `"}`))
}
