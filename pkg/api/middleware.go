package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const tokenContextKey contextKey = "token"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireToken rejects requests without a valid bearer token. With no
// tokens configured every request passes.
func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.tokens.enabled() {
			next.ServeHTTP(w, r)

			return
		}

		plain, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || plain == "" {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		name, ok := s.tokens.verify(plain)
		if !ok {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid token"})

			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tokenFromContext returns the name of the token that authenticated the
// request, if any.
func tokenFromContext(ctx context.Context) string {
	name, _ := ctx.Value(tokenContextKey).(string)

	return name
}
