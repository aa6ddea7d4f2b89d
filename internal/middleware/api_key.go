// Package middleware provides HTTP middleware for the tangent-relay server:
// bearer-token authentication backed by bcrypt-hashed API keys, per-IP rate
// limiting of failed auth attempts, and structured request logging.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// HashSource looks up the stored hash for an API key ID.
type HashSource interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator validates bearer tokens in "keyID.secret" form against
// bcrypt hashes stored by a [HashSource].
type APIKeyValidator struct {
	Source HashSource
}

// ValidateToken implements [TokenValidator].
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAuthorizationHeader
	}

	hash, err := v.Source.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("look up api key: %w", err)
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errors.New("api key secret mismatch")
	}

	return keyID, nil
}
