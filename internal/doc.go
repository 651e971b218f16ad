// Package internal contains helpers that are private to goMFA: pending id
// and challenge generation.
//
// # Sub-packages
//
//   - flows: pure-function orchestrators for the pending-session and
//     backup code lifecycles
//   - stores: Redis pending record storage
//
// # What this package must NOT do
//
//   - Export types that appear in the public goMFA API.
//   - Be imported by any package outside the goMFA module.
package internal
