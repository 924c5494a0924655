// Package store defines the refresh-token persistence contract shared by every
// backend, and the record model it persists.
//
// # Atomicity
//
// All mutation goes through backend primitives that are atomic per row:
// [TokenStore.MarkConsumed] is a single compare-and-set on status = active, never
// a read followed by a write. Replay detection depends on that property.
//
// # Backends
//
//   - store/memory: reference implementation for tests and single-process use.
//   - store/redisstore: Redis (Lua scripts).
//   - store/gormstore: relational, via gorm (postgres in production).
//
// store/storetest holds the conformance suite every backend runs.
package store
