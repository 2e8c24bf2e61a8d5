package middleware

import (
	"net/http"
	"strings"

	"github.com/ngoyal88/searchlog/pkg/config"
)

const (
	corsMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS, HEAD"
	corsExposed = "X-Request-ID, Retry-After"
)

// CORS allows browser clients from the configured origins. Credentials are
// allowed, so a wildcard entry echoes the caller's origin instead of "*".
// The origin list is read from cfgStore on every request.
func CORS(cfgStore *config.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			cfg := cfgStore.Get()
			if origin == "" || cfg == nil || !originAllowed(origin, cfg.CORS.AllowOrigins) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", corsExposed)
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", corsMethods)
				if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
					h.Set("Access-Control-Allow-Headers", req)
				}
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
