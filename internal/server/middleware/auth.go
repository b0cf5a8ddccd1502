package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/betcha/internal/crypto"
)

// maxSkew is how far an HMAC timestamp may drift from the server clock.
const maxSkew = 30 * time.Second

// Auth returns middleware that guards operator routes. A request passes with
// the API key as a Bearer token or X-API-Key header, or, when apiSecret is
// set, with BETCHA-* HMAC headers signing the method, path and body.
// If apiKey is empty, the middleware passes all requests through (disabled).
func Auth(apiKey, apiSecret string) func(http.Handler) http.Handler {
	hmacAuth := &crypto.HMACAuth{Key: apiKey, Secret: apiSecret}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if sig := r.Header.Get(crypto.HeaderSignature); sig != "" && apiSecret != "" {
				if !keyMatches(r.Header.Get(crypto.HeaderAPIKey), apiKey) {
					writeUnauthorized(w, "invalid api key")
					return
				}
				body, err := io.ReadAll(r.Body)
				if err != nil {
					writeUnauthorized(w, "unreadable body")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				if err := hmacAuth.Verify(r.Method, r.URL.RequestURI(), string(body),
					r.Header.Get(crypto.HeaderTimestamp), sig, time.Now(), maxSkew); err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if !keyMatches(token, apiKey) {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func keyMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
