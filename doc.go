// Package goRefresh rotates opaque refresh tokens, detects their reuse, and
// burns the whole token family when a consumed or revoked token comes back.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// goRefresh is the public surface. It exposes [Engine], [Builder], [Config],
// [Sweeper], and value types ([TokenInfo], [RotateResult], [MetricsSnapshot]).
// State transitions live in internal/flows; durable storage lives behind the
// store interfaces with memory, Redis, and gorm backends.
//
// # What this package must NOT do
//
//   - Return raw secrets other than the freshly minted one, or token hashes.
//   - Cache token state in process; the store compare-and-set is the only
//     serialization point.
//   - Serve HTTP. Transports map [IsAuthFailure] errors to a single rejection.
//
// # Rotation contract
//
// Rotate performs at most one family walk and one version bump per call. A
// replay or a lost consume race returns [ErrReplayDetected] only after both
// have been attempted.
package goRefresh
