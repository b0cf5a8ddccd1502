package middleware

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/betcha/internal/crypto"
)

var (
	corsMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", ")
	corsHeaders = strings.Join([]string{
		"Content-Type", "Authorization", "X-API-Key", RequestIDHeader,
		crypto.HeaderAPIKey, crypto.HeaderTimestamp, crypto.HeaderSignature,
	}, ", ")
)

// CORS answers browser preflights for the round API. An empty origin list,
// or a "*" entry, admits every origin. The request ID is exposed so browser
// clients can quote it when reporting a failed wager.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[strings.ToLower(o)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				w.Header().Add("Vary", "Origin")
				if _, ok := origins[strings.ToLower(origin)]; ok || allowAll {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Expose-Headers", RequestIDHeader)
					h.Set("Access-Control-Max-Age", "86400")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
