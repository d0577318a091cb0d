package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type APIKeyVerifier struct {
	Expected string
}

// Verify checks the shared key. An API key names no user, so the returned
// identity is always empty.
func (v APIKeyVerifier) Verify(apiKey string) (string, error) {
	if apiKey == "" || v.Expected == "" {
		return "", ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return "", ErrInvalidCredentials
	}
	return "", nil
}
