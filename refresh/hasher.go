package refresh

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the fixed digest length in bytes.
const DigestSize = 32

// Digest is the fixed-length one-way digest of a refresh secret.
type Digest [DigestSize]byte

// Hex returns the 64-character lowercase hex form stored as token_hash.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Hasher turns a raw secret into its storage digest. Implementations must be
// deterministic and must not be password KDFs: secrets already carry at least
// 256 bits of entropy.
type Hasher interface {
	Sum(secret []byte) Digest
	Name() string
}

// SHA256Hasher is the default [Hasher].
type SHA256Hasher struct{}

func (SHA256Hasher) Sum(secret []byte) Digest {
	return Digest(sha256.Sum256(secret))
}

func (SHA256Hasher) Name() string { return "sha256" }

// BLAKE2bHasher digests with unkeyed BLAKE2b-256.
type BLAKE2bHasher struct{}

func (BLAKE2bHasher) Sum(secret []byte) Digest {
	return Digest(blake2b.Sum256(secret))
}

func (BLAKE2bHasher) Name() string { return "blake2b" }

// HasherByName resolves a configured algorithm name. Empty selects SHA-256.
func HasherByName(name string) (Hasher, bool) {
	switch name {
	case "", "sha256":
		return SHA256Hasher{}, true
	case "blake2b":
		return BLAKE2bHasher{}, true
	default:
		return nil, false
	}
}
