// Package flows contains pure-function orchestrators for every Engine operation.
//
// Each flow function (RunIssue, RunRotate, RunRevokeToken, etc.) accepts a typed
// dependency struct and returns a result value. Failures are classified by a
// FailureKind so the root package owns error mapping, metrics, audit and
// logging in one place.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the token store, the session version
// counter, the hasher and the refresh throttle. They do NOT own any of these
// resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goRefresh (to avoid import cycles).
//   - Cache token state between calls; the store compare-and-set is the only
//     serialization point.
package flows
