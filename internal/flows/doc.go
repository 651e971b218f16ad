// Package flows contains the pure-function orchestrators behind the Engine's
// two-factor operations.
//
// Each flow function (RunPendingVerification, RunGenerateBackupCodes,
// RunValidateBackupCode, ...) accepts a typed dependency struct of closures
// and sentinel errors. The pending-session lifecycle (lookup, expiry, attempt
// ceiling, one-shot claim) is implemented once here and parameterized by
// challenge type and method.
//
// # Architecture boundaries
//
// Flows coordinate stores, metrics and audit through closures. They do NOT
// own any of these resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goMFA (to avoid import cycles).
//   - Log codes, secrets or challenges.
package flows
