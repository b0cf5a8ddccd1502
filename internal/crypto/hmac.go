package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Operator request headers.
const (
	HeaderAPIKey    = "BETCHA-API-KEY"
	HeaderTimestamp = "BETCHA-TIMESTAMP"
	HeaderSignature = "BETCHA-SIGNATURE"
)

// ErrHMACMismatch is returned when an operator request signature does not
// verify.
var ErrHMACMismatch = errors.New("crypto: hmac signature mismatch")

// HMACAuth holds the operator credentials used to sign privileged requests
// such as ledger credits.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret
}

// Headers returns the HTTP headers for an operator request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64.
//
// Returned header keys:
//   - BETCHA-API-KEY
//   - BETCHA-TIMESTAMP
//   - BETCHA-SIGNATURE
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks a signature produced by Headers. Timestamps further than
// maxSkew from now are rejected.
func (h *HMACAuth) Verify(method, path, body, timestamp, signature string, now time.Time, maxSkew time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: hmac timestamp %q: %w", timestamp, err)
	}
	if d := now.Sub(time.Unix(ts, 0)); d > maxSkew || d < -maxSkew {
		return fmt.Errorf("crypto: hmac timestamp outside %s window", maxSkew)
	}

	want := hmacSHA256Base64([]byte(h.Secret), timestamp+method+path+body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrHMACMismatch
	}
	return nil
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
