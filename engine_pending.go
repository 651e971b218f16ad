package goMFA

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goMFA/internal"
	internalflows "github.com/MrEthical07/goMFA/internal/flows"
	"go.uber.org/zap"
)

// pendingTelemetry selects the metrics and audit events one pending flow
// reports under.
type pendingTelemetry struct {
	metrics internalflows.PendingMetrics
	events  internalflows.PendingEvents
}

var loginTelemetry = pendingTelemetry{
	metrics: internalflows.PendingMetrics{
		Success:  int(MetricPendingSuccess),
		Failure:  int(MetricPendingFailure),
		Expired:  int(MetricPendingExpired),
		Locked:   int(MetricPendingLocked),
		Replayed: int(MetricPendingReplay),
	},
	events: internalflows.PendingEvents{
		Success:  auditEventVerifySuccess,
		Failure:  auditEventVerifyFailure,
		Expired:  auditEventPendingExpired,
		Locked:   auditEventPendingLocked,
		Replayed: auditEventPendingReplay,
	},
}

var passkeyTelemetry = pendingTelemetry{
	metrics: internalflows.PendingMetrics{
		Success:  int(MetricPasskeySuccess),
		Failure:  int(MetricPasskeyFailure),
		Expired:  int(MetricPendingExpired),
		Locked:   int(MetricPendingLocked),
		Replayed: int(MetricPendingReplay),
	},
	events: internalflows.PendingEvents{
		Success:  auditEventPasskeySuccess,
		Failure:  auditEventPasskeyFailure,
		Expired:  auditEventPendingExpired,
		Locked:   auditEventPendingLocked,
		Replayed: auditEventPendingReplay,
	},
}

var registrationTelemetry = pendingTelemetry{
	metrics: internalflows.PendingMetrics{
		Success:  int(MetricPasskeyRegistered),
		Failure:  int(MetricPasskeyRegistrationFailed),
		Expired:  int(MetricPendingExpired),
		Locked:   int(MetricPendingLocked),
		Replayed: int(MetricPendingReplay),
	},
	events: internalflows.PendingEvents{
		Success:  auditEventPasskeyRegistered,
		Failure:  auditEventPasskeyRegistrationFailed,
		Expired:  auditEventPendingExpired,
		Locked:   auditEventPendingLocked,
		Replayed: auditEventPendingReplay,
	},
}

// PendingToken is a parsed pending-auth token.
type PendingToken struct {
	UserID    string
	PendingID string
	ExpiresAt time.Time
}

// CreatePendingSession opens a login pending session for userID after the
// primary credential was accepted.
func (e *Engine) CreatePendingSession(ctx context.Context, userID string) (*PendingSession, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}

	challenge, err := internal.NewChallenge()
	if err != nil {
		return nil, err
	}
	record, err := e.savePending(ctx, userID, ChallengeLogin, challenge, e.config.Pending.TTL)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricPendingCreated)
	e.emitAudit(ctx, auditEventPendingCreated, true, userID, record.ID, nil, nil)
	return pendingView(record), nil
}

// GetPendingSession returns the session view, or nil when the id is
// unknown or expired. An expired record is deleted.
func (e *Engine) GetPendingSession(ctx context.Context, pendingID string) (*PendingSession, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if pendingID == "" {
		return nil, nil
	}

	record, err := e.pending.Get(ctx, pendingID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil
		}
		return nil, backendError(err)
	}
	if !e.now().Before(record.ExpiresAt) {
		if _, err := e.pending.Delete(ctx, pendingID); err != nil {
			return nil, backendError(err)
		}
		return nil, nil
	}
	return pendingView(record), nil
}

// GetAvailableMethods lists the methods userID can complete a login with,
// computed live from the stores.
func (e *Engine) GetAvailableMethods(ctx context.Context, userID string) ([]Method, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	counts, err := e.methodCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	return counts.available(), nil
}

// VerifyTOTP completes a login pending session with a TOTP code from any
// of the user's verified authenticators.
func (e *Engine) VerifyTOTP(ctx context.Context, pendingID, code string) (*VerificationResult, error) {
	return e.verifyLogin(ctx, MethodTOTP, pendingID, e.config.Pending.TOTPMaxAttempts,
		func(ctx context.Context, record *internalflows.PendingRecord) (bool, error) {
			id, err := e.VerifyTOTPCodeForUser(ctx, record.UserID, code)
			return id != "", err
		})
}

// VerifyBackupCode completes a login pending session by spending a backup
// code.
func (e *Engine) VerifyBackupCode(ctx context.Context, pendingID, code string) (*VerificationResult, error) {
	return e.verifyLogin(ctx, MethodBackup, pendingID, e.config.Pending.BackupMaxAttempts,
		func(ctx context.Context, record *internalflows.PendingRecord) (bool, error) {
			return e.ValidateBackupCode(ctx, record.UserID, code)
		})
}

// VerifyPasskey completes a login pending session with an assertion
// against the nested challenge issued by BeginPasskeyLogin. A failed
// signature check counts as a wrong code.
func (e *Engine) VerifyPasskey(ctx context.Context, pendingID, passkeyPendingID string, response []byte) (*VerificationResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.passkeys == nil {
		return nil, ErrPasskeyDisabled
	}
	return e.verifyLogin(ctx, MethodPasskey, pendingID, e.config.Pending.PasskeyMaxAttempts,
		func(ctx context.Context, record *internalflows.PendingRecord) (bool, error) {
			_, err := e.finishPasskeyAssertion(ctx, passkeyPendingID, response, record.UserID)
			switch {
			case errors.Is(err, ErrPasskeyVerificationFailed):
				return false, nil
			case internalflows.IsPendingTerminal(err, e.pendingErrors()),
				errors.Is(err, ErrChallengeTypeMismatch):
				return false, fmt.Errorf("%w: %v", ErrPasskeyChallengeInvalid, err)
			}
			return err == nil, err
		})
}

// BeginPasskeyLogin issues passkey authentication options for the user of
// a login pending session. No attempt is consumed.
func (e *Engine) BeginPasskeyLogin(ctx context.Context, pendingID string) (*PasskeyOptions, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.passkeys == nil {
		return nil, ErrPasskeyDisabled
	}

	record, err := internalflows.RunPendingLookup(ctx, pendingID, string(ChallengeLogin), e.pendingFlowDeps(loginTelemetry))
	if err != nil {
		return nil, err
	}
	return e.GeneratePasskeyAuthenticationOptions(ctx, record.UserID)
}

// IssuePendingToken signs a pending-auth token bound to session. The token
// expires with the session.
func (e *Engine) IssuePendingToken(session *PendingSession) (string, error) {
	if e == nil || e.tokens == nil {
		return "", ErrTokenDisabled
	}
	if session == nil {
		return "", ErrInvalidInput
	}
	return e.tokens.CreatePending(session.UserID, session.ID, session.ExpiresAt)
}

// ParsePendingToken verifies a pending-auth token. It does not consult the
// pending store; the verify calls do that.
func (e *Engine) ParsePendingToken(token string) (*PendingToken, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrTokenDisabled
	}
	claims, err := e.tokens.ParsePending(token)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	out := &PendingToken{UserID: claims.UID, PendingID: claims.PID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func (e *Engine) verifyLogin(
	ctx context.Context,
	method Method,
	pendingID string,
	maxAttempts int,
	verify func(context.Context, *internalflows.PendingRecord) (bool, error),
) (*VerificationResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer e.observeVerify(start)

	outcome, err := internalflows.RunPendingVerification(ctx, internalflows.PendingCheck{
		PendingID:    pendingID,
		ExpectedType: string(ChallengeLogin),
		Method:       string(method),
		MaxAttempts:  maxAttempts,
		Verify:       verify,
	}, e.pendingFlowDeps(loginTelemetry))
	if err != nil {
		if !internalflows.IsPendingTerminal(err, e.pendingErrors()) && ErrorKind(err) == KindInternal {
			e.logger.Error("pending verification failed",
				zap.String("pending_id", pendingID),
				zap.String("method", string(method)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	return &VerificationResult{
		Success:           outcome.Success,
		UserID:            outcome.UserID,
		Method:            method,
		AttemptsRemaining: outcome.AttemptsRemaining,
	}, nil
}

func (e *Engine) savePending(ctx context.Context, userID string, typ ChallengeType, challenge []byte, ttl time.Duration) (*PendingTwoFactor, error) {
	id, err := internal.NewPendingID()
	if err != nil {
		return nil, err
	}
	record := &PendingTwoFactor{
		ID:        id.String(),
		UserID:    userID,
		Challenge: challenge,
		Type:      typ,
		ExpiresAt: e.now().Add(ttl).UTC(),
	}
	if err := e.pending.Save(ctx, record); err != nil {
		return nil, backendError(err)
	}
	return record, nil
}

func (e *Engine) pendingErrors() internalflows.PendingErrors {
	return internalflows.PendingErrors{
		EngineNotReady: ErrEngineNotReady,
		NotFound:       ErrPendingSessionNotFound,
		Expired:        ErrPendingSessionExpired,
		TypeMismatch:   ErrChallengeTypeMismatch,
		MaxAttempts:    ErrMaxAttemptsExceeded,
	}
}

func (e *Engine) pendingFlowDeps(t pendingTelemetry) internalflows.PendingDeps {
	return internalflows.PendingDeps{
		Now: e.now,
		Get: func(ctx context.Context, id string) (*internalflows.PendingRecord, error) {
			record, err := e.pending.Get(ctx, id)
			if err != nil {
				return nil, storeLookup(err, ErrPendingSessionNotFound)
			}
			return &internalflows.PendingRecord{
				ID:        record.ID,
				UserID:    record.UserID,
				Type:      string(record.Type),
				Challenge: record.Challenge,
				ExpiresAt: record.ExpiresAt,
				Attempts:  record.Attempts,
			}, nil
		},
		IncrementAttempts: func(ctx context.Context, id string) (uint32, error) {
			n, err := e.pending.IncrementAttempts(ctx, id)
			if err != nil {
				return 0, storeLookup(err, ErrPendingSessionNotFound)
			}
			return n, nil
		},
		Delete: func(ctx context.Context, id string) (bool, error) {
			ok, err := e.pending.Delete(ctx, id)
			if err != nil {
				return false, backendError(err)
			}
			return ok, nil
		},
		MetricInc: e.flowMetricInc,
		EmitAudit: e.emitAudit,
		Metrics:   t.metrics,
		Events:    t.events,
		Errors:    e.pendingErrors(),
	}
}

func pendingView(record *PendingTwoFactor) *PendingSession {
	return &PendingSession{
		ID:        record.ID,
		UserID:    record.UserID,
		Type:      record.Type,
		ExpiresAt: record.ExpiresAt,
		Attempts:  record.Attempts,
	}
}
