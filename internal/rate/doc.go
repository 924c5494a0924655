// Package rate implements the per-session refresh throttle.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional PEXPIRE on first hit, keyed
// "<prefix>:rl:<session>". The counter is charged before the token is looked
// up so unknown and replayed tokens spend budget too.
//
// # What this package must NOT do
//
//   - Decide what a throttled caller sees (the engine maps ErrRateLimited).
//   - Be imported outside the goRefresh module.
package rate
