package goMFA

import (
	"errors"
)

// Class sentinels. Every specific error below unwraps to exactly one of them
// so transports can map with errors.Is.
var (
	// ErrNotFound classifies errors for absent authenticators, passkeys, configs or pending sessions.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest classifies errors caused by the request or the state of the flow.
	ErrBadRequest = errors.New("bad request")
)

type classifiedError struct {
	class error
	msg   string
}

func (e *classifiedError) Error() string { return e.msg }
func (e *classifiedError) Unwrap() error { return e.class }

func notFound(msg string) error   { return &classifiedError{class: ErrNotFound, msg: msg} }
func badRequest(msg string) error { return &classifiedError{class: ErrBadRequest, msg: msg} }

var (
	// ErrAuthenticatorNotFound is returned when a TOTP authenticator id is unknown or owned by another user.
	ErrAuthenticatorNotFound = notFound("totp authenticator not found")
	// ErrAuthenticatorVerified is returned when enrolling an authenticator that is already verified.
	ErrAuthenticatorVerified = badRequest("totp authenticator already verified")
	// ErrPasskeyNotFound is returned when a passkey id or credential id is unknown.
	ErrPasskeyNotFound = notFound("passkey not found")
	// ErrPasskeyOwnerMismatch is returned when an assertion names a credential of another user.
	ErrPasskeyOwnerMismatch = badRequest("passkey does not belong to this session")
	// ErrPasskeyExists is returned when a registration response repeats a known credential id.
	ErrPasskeyExists = badRequest("passkey already registered")
	// ErrNoPasskeys is returned when authentication options are requested for a user without passkeys.
	ErrNoPasskeys = badRequest("no passkeys registered")
	// ErrPasskeyVerificationFailed wraps verifier failures; the cause is kept in the message.
	ErrPasskeyVerificationFailed = badRequest("passkey verification failed")
	// ErrPasskeyChallengeInvalid is returned by VerifyPasskey when the nested
	// passkey challenge is unknown, expired or already used. The login
	// pending session itself stays live.
	ErrPasskeyChallengeInvalid = badRequest("passkey challenge not found or expired")
	// ErrPasskeyCounterRegression is returned when the signature counter did not increase.
	ErrPasskeyCounterRegression = badRequest("passkey signature counter did not increase")
	// ErrPasskeyNameInvalid is returned for empty or oversized passkey names.
	ErrPasskeyNameInvalid = badRequest("invalid passkey name")
	// ErrPendingSessionNotFound is returned for unknown, consumed or locked pending sessions.
	ErrPendingSessionNotFound = notFound("pending session not found")
	// ErrPendingSessionExpired is returned once for an expired pending session, which is deleted.
	ErrPendingSessionExpired = badRequest("pending session expired")
	// ErrChallengeTypeMismatch is returned when a pending session is used by the wrong flow.
	ErrChallengeTypeMismatch = badRequest("pending session challenge type mismatch")
	// ErrMaxAttemptsExceeded is returned when a pending session crosses its attempt ceiling.
	ErrMaxAttemptsExceeded = badRequest("max attempts exceeded")
	// ErrBackupCodesExist is returned by GenerateBackupCodes while unused codes remain.
	ErrBackupCodesExist = badRequest("unused backup codes already exist")
	// ErrNoMethodConfigured is returned by Enable when no TOTP authenticator or passkey exists.
	ErrNoMethodConfigured = badRequest("no two-factor method configured")
	// ErrMethodUnavailable is returned when a preferred method has no configured credential.
	ErrMethodUnavailable = badRequest("two-factor method unavailable")
	// ErrMethodInvalid is returned for backup or unknown methods where a primary method is required.
	ErrMethodInvalid = badRequest("invalid two-factor method")
	// ErrConfigNotFound is returned when a user has no two-factor config yet.
	ErrConfigNotFound = notFound("two-factor config not found")
	// ErrInvalidInput is returned for empty identifiers and similar argument errors.
	ErrInvalidInput = badRequest("invalid input")
)

var (
	// ErrSecretDecrypt is returned when a stored TOTP secret cannot be decrypted.
	// It is deliberately in neither class: it signals corruption or tampering.
	ErrSecretDecrypt = errors.New("totp secret decryption failed")
	// ErrBackend wraps persistence failures.
	ErrBackend = errors.New("mfa backend unavailable")
	// ErrRecordNotFound is returned by CredentialStore implementations for missing rows.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordExists is returned by CredentialStore implementations on unique key conflicts.
	ErrRecordExists = errors.New("record already exists")
	// ErrEngineNotReady is returned when a required collaborator was not configured.
	ErrEngineNotReady = errors.New("mfa engine not ready")
	// ErrPasskeyDisabled is returned by passkey operations when no verifier is configured.
	ErrPasskeyDisabled = errors.New("passkey support disabled")
	// ErrTokenDisabled is returned by pending token helpers when tokens are not configured.
	ErrTokenDisabled = errors.New("pending token support disabled")
	// ErrTokenInvalid is returned when a pending token cannot be parsed or verified.
	ErrTokenInvalid = badRequest("invalid pending token")
)

// Kind is the transport-facing classification of an error.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindBadRequest
	KindInternal
)

// ErrorKind classifies err for transports (404, 400, 500).
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	default:
		return KindInternal
	}
}
