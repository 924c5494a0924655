package refresh

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// MinSecretSize is the smallest accepted secret length in bytes (256 bits).
	MinSecretSize = 32
	// MaxSecretSize bounds decoded secrets so oversized input is rejected early.
	MaxSecretSize = 64
	// DefaultSecretSize is the secret length used when none is configured.
	DefaultSecretSize = 32
)

var (
	// ErrMalformedToken is returned when a raw token cannot be decoded.
	ErrMalformedToken = errors.New("malformed refresh token")
	// ErrSecretSize is returned for secret sizes outside [MinSecretSize, MaxSecretSize].
	ErrSecretSize = errors.New("invalid refresh secret size")
)

// NewSecret returns size bytes from crypto/rand.
func NewSecret(size int) ([]byte, error) {
	if size < MinSecretSize || size > MaxSecretSize {
		return nil, ErrSecretSize
	}
	secret := make([]byte, size)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("refresh secret: %w", err)
	}
	return secret, nil
}

// Encode renders a secret as the caller-visible raw token.
func Encode(secret []byte) string {
	return base64.RawURLEncoding.EncodeToString(secret)
}

// Decode parses a raw token back into its secret bytes.
func Decode(token string) ([]byte, error) {
	if token == "" || len(token) > base64.RawURLEncoding.EncodedLen(MaxSecretSize) {
		return nil, ErrMalformedToken
	}
	secret, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if len(secret) < MinSecretSize || len(secret) > MaxSecretSize {
		return nil, ErrMalformedToken
	}
	return secret, nil
}
