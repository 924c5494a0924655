// Package refresh implements the opaque refresh-token secret: generation,
// wire encoding, and the one-way digest used as the storage lookup key.
//
// # Token format
//
// A refresh token is a base64url-encoded (unpadded) random secret of at least
// 256 bits. Tokens are never stored in plaintext; stores retain only the
// hex-encoded [Digest] produced by a [Hasher].
//
// # Architecture boundaries
//
// This package owns secret encoding/decoding and hashing. Rotation policy,
// replay detection, and session invalidation are handled by the Engine and the
// token store.
//
// # What this package must NOT do
//
//   - Access Redis, SQL, or any I/O other than crypto/rand.
//   - Import goRefresh, jwt, or store.
//   - Implement rotation or replay logic.
package refresh
