package middleware

import (
	"net/http"
	"strings"

	"github.com/tcmartin/flowlauncher/pkg/settings"
)

const defaultCORSMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"

// CORS returns middleware applying the given cross-origin policy. Preflight
// requests are answered directly with 204.
//
// A wildcard origin combined with credentials echoes the caller's Origin,
// since browsers reject a literal "*" on credentialed requests.
func CORS(policy settings.CORS) func(http.Handler) http.Handler {
	methods := strings.Join(policy.AllowedMethods(), ",")
	if methods == "" {
		methods = defaultCORSMethods
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			origin := r.Header.Get("Origin")

			switch {
			case policy.Origin == "*" && policy.Credentials && origin != "":
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			case policy.Origin != "":
				h.Set("Access-Control-Allow-Origin", policy.Origin)
			}
			if policy.Credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", methods)
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
					h.Add("Vary", "Access-Control-Request-Headers")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
