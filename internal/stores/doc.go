// Package stores provides the Redis-backed store for pending two-factor
// challenges (login sessions and passkey ceremonies).
//
// # Design
//
// Each record is a versioned, binary-encoded value with a TTL slightly
// longer than its logical expiry. Attempt counting uses WATCH/MULTI
// optimistic transactions with bounded retry on contention. Delete reports
// whether the key existed so callers can use it as a one-shot claim.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// challenge records. It does NOT decide expiry outcomes, attempt ceilings or
// verification results; those belong to internal/flows.
//
// # What this package must NOT do
//
//   - Import goMFA or any sibling internal package.
//   - Log or expose challenge bytes.
package stores
