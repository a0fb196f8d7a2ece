package middleware

import (
	"crypto/subtle"
	"net/http"

	"ppekiosk/internal/logger"
)

// AdminKeyHeader carries the maintenance key.
const AdminKeyHeader = "X-Admin-Key"

// AdminOnly lets a request through only when it carries the configured admin key.
func AdminOnly(key string, logger *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := r.Header.Get(AdminKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(given), []byte(key)) != 1 {
			logger.Warning("Rejected admin request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
