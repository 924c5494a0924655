package internal

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// TokenUUIDLength is the length of the external record identifier.
const TokenUUIDLength = 12

// NewTokenUUID returns a 12-character identifier derived from a random v4 UUID.
// The first nine bytes carry 68 random bits after the version nibble.
func NewTokenUUID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(u[:9]), nil
}
