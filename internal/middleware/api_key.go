// Package middleware provides the HTTP and gRPC plumbing shared by the
// covercheck transports: bearer API key authentication that resolves the
// calling actor, failed-auth rate limiting, request logging and client
// metadata extraction.
package middleware

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// SplitAPIKey splits a bearer token of the form "keyID.secret".
func SplitAPIKey(token string) (keyID, secret string, ok bool) {
	keyID, secret, found := strings.Cut(token, ".")
	keyID = strings.TrimSpace(keyID)
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}
