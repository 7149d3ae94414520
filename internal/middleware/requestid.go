package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestID stamps a fresh UUIDv4 on every response as x-amz-request-id.
// Error bodies written later pick up the same value so header and body agree.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("x-amz-request-id", uuid.NewString())
			next.ServeHTTP(w, r)
		})
	}
}
