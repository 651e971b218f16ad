// Package middleware exposes HTTP middleware that gates second-factor
// endpoints behind a pending-auth bearer token issued by goMFA.Engine.
//
// # Guards
//
//   - [Guard] selects the enforcement mode explicitly.
//   - [RequirePendingToken] verifies the token signature and claims only.
//   - [RequirePendingSession] also requires the pending session to still
//     exist in the pending store and to belong to the token subject.
//
// Each guard reads the Authorization header, asks the Engine to parse the
// token and stores the result in the request context, see
// [PendingAuthFromContext].
//
// # What this package must NOT do
//
//   - Parse or sign tokens directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Consume attempts or verify second factors.
package middleware
