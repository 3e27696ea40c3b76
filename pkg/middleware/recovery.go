package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/tcmartin/flowlauncher/pkg/logging"
)

// Recovery returns middleware that turns handler panics into 500 responses.
func Recovery(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					requestID, _ := GetRequestID(r)
					logger.Error("panic recovered",
						logging.F("panic", err),
						logging.F("request_id", requestID),
						logging.F("path", r.URL.Path),
						logging.F("stack", string(debug.Stack())),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
