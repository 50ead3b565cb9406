// Package auth verifies the shared upload/delete token. Comparison is
// constant time and fails closed: a server configured with an empty token
// accepts no mutating request at all.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized means the request carried no valid token.
var ErrUnauthorized = errors.New("unauthorized")

// Header names recognized for the token, probed in order.
var tokenHeaders = []string{"X-Serve-Token", "X-Upload-Token"}

// TokenFromRequest extracts the client token from the request headers or,
// as a fallback, an "Authorization: Bearer" value.
func TokenFromRequest(r *http.Request) string {
	for _, h := range tokenHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	const prefix = "Bearer "
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(v, prefix))
	}
	return ""
}

// Check compares a presented token against the configured one.
func Check(configured, presented string) error {
	if configured == "" {
		// No usable token configured; never accept.
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Authorize validates the request token for mutating endpoints.
func Authorize(configured string, r *http.Request) error {
	return Check(configured, TokenFromRequest(r))
}
