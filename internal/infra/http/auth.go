package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalTokenMiddleware защищает внутренние эндпоинты статическим
// токеном. Токен принимается в заголовке X-Internal-Token или
// Authorization: Bearer.
func InternalTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "internal api is disabled", http.StatusForbidden)
				return
			}
			candidate := r.Header.Get("X-Internal-Token")
			if candidate == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(auth, "Bearer ") {
					candidate = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
