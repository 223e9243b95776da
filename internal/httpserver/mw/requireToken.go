package mw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// RequireToken checks "Authorization: Bearer <token>". If token is empty, it
// acts as a passthrough.
func RequireToken(token string, log logger.Logger) func(http.Handler) http.Handler {
	if token == "" {
		log.Debug("RequireToken: no token configured, passthrough mode")
		return func(next http.Handler) http.Handler { return next }
	}

	want := []byte(token)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				log.Debugf("RequireToken: request from %s REJECTED", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="autostartstop"`)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
