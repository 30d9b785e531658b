package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/httputil"
	"github.com/civic-os/reflections/internal/logging"
)

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.WithContext(r.Context()).
					WithField("panic", fmt.Sprint(rec)).
					WithField("stack", string(debug.Stack())).
					Error("handler panic")
				httputil.WriteError(w, r, errors.Internal("handler panic", fmt.Errorf("%v", rec)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
