// Package middleware provides HTTP middleware for the reflections service
package middleware

import (
	"context"
	"net/http"

	"github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/httputil"
	"github.com/civic-os/reflections/internal/logging"
)

// SessionReader resolves the signed-in handle of a request.
type SessionReader interface {
	Handle(r *http.Request) (string, bool)
}

// SessionMiddleware puts the session handle, when present, on the context.
// It never rejects a request; use RequireHandle for that.
type SessionMiddleware struct {
	sessions SessionReader
	logger   *logging.Logger
}

// NewSessionMiddleware creates a new session middleware
func NewSessionMiddleware(sessions SessionReader, logger *logging.Logger) *SessionMiddleware {
	return &SessionMiddleware{sessions: sessions, logger: logger}
}

// Handler returns the middleware handler
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle, ok := m.sessions.Handle(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		ctx := logging.WithHandle(r.Context(), handle)
		m.logger.WithContext(ctx).Debug("session resolved")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetHandle extracts the session handle from context
func GetHandle(ctx context.Context) string {
	return logging.GetHandle(ctx)
}

// RequireHandle rejects requests without a session handle.
func RequireHandle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetHandle(r.Context()) == "" {
			httputil.WriteError(w, r, errors.Unauthorized("sign in required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
