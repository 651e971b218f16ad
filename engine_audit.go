package goMFA

import (
	"context"
	"errors"
)

const (
	auditEventTOTPEnrollmentStarted      = "totp_enrollment_started"
	auditEventTOTPEnrolled               = "totp_enrolled"
	auditEventTOTPEnrollmentFailed       = "totp_enrollment_failed"
	auditEventTOTPRemoved                = "totp_removed"
	auditEventTOTPSuccess                = "totp_success"
	auditEventTOTPFailure                = "totp_failure"
	auditEventPasskeyRegistrationStarted = "passkey_registration_started"
	auditEventPasskeyRegistered          = "passkey_registered"
	auditEventPasskeyRegistrationFailed  = "passkey_registration_failed"
	auditEventPasskeyChallengeIssued     = "passkey_challenge_issued"
	auditEventPasskeySuccess             = "passkey_success"
	auditEventPasskeyFailure             = "passkey_failure"
	auditEventPasskeyCloneDetected       = "passkey_clone_detected"
	auditEventPasskeyRemoved             = "passkey_removed"
	auditEventPasskeyRenamed             = "passkey_renamed"
	auditEventBackupCodesGenerated       = "backup_codes_generated"
	auditEventBackupCodeUsed             = "backup_code_used"
	auditEventBackupCodeFailed           = "backup_code_failed"
	auditEventPendingCreated             = "mfa_required"
	auditEventVerifySuccess              = "mfa_success"
	auditEventVerifyFailure              = "mfa_failure"
	auditEventPendingExpired             = "mfa_expired"
	auditEventPendingLocked              = "mfa_attempts_exceeded"
	auditEventPendingReplay              = "mfa_replay"
	auditEventTwoFactorEnabled           = "two_factor_enabled"
	auditEventTwoFactorDisabled          = "two_factor_disabled"
	auditEventTwoFactorAutoDisabled      = "two_factor_auto_disabled"
	auditEventPreferredMethodChanged     = "preferred_method_changed"
)

// AuditErrorCode is the stable, secret-free error label in AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrNotFound          AuditErrorCode = "not_found"
	auditErrBadRequest        AuditErrorCode = "bad_request"
	auditErrExpired           AuditErrorCode = "expired"
	auditErrAttemptsExceeded  AuditErrorCode = "attempts_exceeded"
	auditErrChallengeMismatch AuditErrorCode = "challenge_mismatch"
	auditErrPendingMissing    AuditErrorCode = "pending_not_found"
	auditErrCounterRegression AuditErrorCode = "counter_regression"
	auditErrVerification      AuditErrorCode = "verification_failed"
	auditErrOwnerMismatch     AuditErrorCode = "owner_mismatch"
	auditErrDuplicate         AuditErrorCode = "duplicate"
	auditErrNoMethod          AuditErrorCode = "no_method"
	auditErrDecrypt           AuditErrorCode = "decrypt_failed"
	auditErrUnavailable       AuditErrorCode = "backend_unavailable"
	auditErrInternal          AuditErrorCode = "internal_error"
)

// emitAudit matches the flows EmitAudit signature so it can be passed as is.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	pendingID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		PendingID: pendingID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrPendingSessionExpired):
		return auditErrExpired
	case errors.Is(err, ErrMaxAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrChallengeTypeMismatch):
		return auditErrChallengeMismatch
	case errors.Is(err, ErrPendingSessionNotFound):
		return auditErrPendingMissing
	case errors.Is(err, ErrPasskeyCounterRegression):
		return auditErrCounterRegression
	case errors.Is(err, ErrPasskeyVerificationFailed),
		errors.Is(err, ErrPasskeyChallengeInvalid):
		return auditErrVerification
	case errors.Is(err, ErrPasskeyOwnerMismatch):
		return auditErrOwnerMismatch
	case errors.Is(err, ErrPasskeyExists),
		errors.Is(err, ErrBackupCodesExist),
		errors.Is(err, ErrAuthenticatorVerified):
		return auditErrDuplicate
	case errors.Is(err, ErrNoMethodConfigured),
		errors.Is(err, ErrMethodUnavailable),
		errors.Is(err, ErrNoPasskeys):
		return auditErrNoMethod
	case errors.Is(err, ErrSecretDecrypt):
		return auditErrDecrypt
	case errors.Is(err, ErrBackend):
		return auditErrUnavailable
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrBadRequest):
		return auditErrBadRequest
	default:
		return auditErrInternal
	}
}
