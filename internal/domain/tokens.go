package domain

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
)

const tokenBytes = 32

// NewToken returns a URL-safe random secret carrying 256 bits of entropy.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenMatches compares in constant time. A cleared token never matches.
func TokenMatches(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
