// Package internal holds helpers private to goRefresh.
//
// # Sub-packages
//
//   - flows — pure-function orchestrators for every Engine operation
//   - rate — Redis-backed fixed-window refresh throttle
//
// # What this package must NOT do
//
//   - Export types that appear in the public goRefresh API.
//   - Be imported by any package outside the goRefresh module.
package internal
