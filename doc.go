// Package goMFA implements the second-factor half of a login: TOTP
// authenticators, WebAuthn passkeys, single-use backup codes and the
// pending-session state machine that ties them together.
//
// An [Engine] is assembled with [Builder] from a [CredentialStore] for
// durable records and a Redis client (or any [PendingStore]) for pending
// sessions. Engine methods are safe for concurrent use; all shared state
// lives in the stores.
//
// # Login flow
//
// After the primary credential succeeds, call [Engine.CreatePendingSession]
// and hand the id (or a token from [Engine.IssuePendingToken]) to the
// client. The client then completes exactly one of [Engine.VerifyTOTP],
// [Engine.VerifyPasskey] or [Engine.VerifyBackupCode]. A wrong code is a
// result with Success=false, not an error. Each method has its own attempt
// ceiling; crossing it deletes the session.
//
// # Errors
//
// Every classified error unwraps to [ErrNotFound] or [ErrBadRequest]; use
// [ErrorKind] to map them to transport status codes. [ErrSecretDecrypt] and
// [ErrBackend] are in neither class.
//
// # What this package must NOT do
//
//   - Log or return TOTP secrets after enrollment, backup code hashes, or
//     pending challenges.
//   - Read configuration from global state; everything comes from [Config].
package goMFA
