package auth

import (
	"net/http"
	"strings"
)

// OriginPolicy reports whether a browser origin may call the API.
// *registry.Registry implements it.
type OriginPolicy interface {
	IsOriginAllowed(origin string) bool
}

// CORS echoes Access-Control-Allow-Origin for origins on an enabled
// client's allow-list and answers preflight requests with 204. Other
// origins get no CORS headers, so the browser blocks the response.
func CORS(policy OriginPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")

			allowed := policy.IsOriginAllowed(origin)
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

				if h := r.Header.Get("Access-Control-Request-Headers"); h != "" {
					w.Header().Set("Access-Control-Allow-Headers", strings.ToLower(h))
				}

				w.Header().Set("Access-Control-Max-Age", "600")
			}

			w.WriteHeader(http.StatusNoContent)
		})
	}
}
