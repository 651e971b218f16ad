package goMFA

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	internalflows "github.com/MrEthical07/goMFA/internal/flows"
	"go.uber.org/zap"
)

const defaultPasskeyName = "Passkey"

// GeneratePasskeyRegistrationOptions starts a passkey registration for
// userID. The user's existing credentials are excluded so the same
// authenticator cannot be registered twice.
func (e *Engine) GeneratePasskeyRegistrationOptions(ctx context.Context, userID, userName, displayName string) (*PasskeyOptions, error) {
	if err := e.passkeyReady(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}

	existing, err := e.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, backendError(err)
	}

	options, challenge, err := e.passkeys.BeginRegistration(PasskeyUser{
		ID:          userID,
		Name:        userName,
		DisplayName: displayName,
		Credentials: existing,
	})
	if err != nil {
		return nil, err
	}

	record, err := e.savePending(ctx, userID, ChallengePasskeyRegistration, challenge, e.config.Passkey.ChallengeTTL)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventPasskeyRegistrationStarted, true, userID, record.ID, nil, nil)
	return &PasskeyOptions{PendingID: record.ID, Options: options}, nil
}

// VerifyPasskeyRegistration finishes a registration and stores the new
// passkey. The pending challenge is single use.
func (e *Engine) VerifyPasskeyRegistration(ctx context.Context, pendingID, name string, response []byte) (*Passkey, error) {
	if err := e.passkeyReady(); err != nil {
		return nil, err
	}
	name, err := e.passkeyName(name)
	if err != nil {
		return nil, err
	}

	var created *Passkey
	_, err = internalflows.RunPendingVerification(ctx, internalflows.PendingCheck{
		PendingID:    pendingID,
		ExpectedType: string(ChallengePasskeyRegistration),
		Method:       string(MethodPasskey),
		Verify: func(ctx context.Context, record *internalflows.PendingRecord) (bool, error) {
			credential, err := e.passkeys.FinishRegistration(PasskeyUser{ID: record.UserID}, record.Challenge, response)
			if err != nil {
				return false, passkeyVerificationError(err)
			}

			_, err = e.store.GetPasskeyByCredentialID(ctx, credential.CredentialID)
			switch {
			case err == nil:
				return false, ErrPasskeyExists
			case !errors.Is(err, ErrRecordNotFound):
				return false, backendError(err)
			}

			created = &Passkey{
				ID:           e.newID(),
				UserID:       record.UserID,
				Name:         name,
				CredentialID: credential.CredentialID,
				PublicKey:    credential.PublicKey,
				Counter:      credential.Counter,
				Transports:   credential.Transports,
				BackedUp:     credential.BackupEligible,
				CreatedAt:    e.now().UTC(),
			}
			return true, nil
		},
		Commit: func(ctx context.Context, record *internalflows.PendingRecord) error {
			if err := e.store.CreatePasskey(ctx, created); err != nil {
				if errors.Is(err, ErrRecordExists) {
					return ErrPasskeyExists
				}
				return backendError(err)
			}
			return nil
		},
	}, e.pendingFlowDeps(registrationTelemetry))
	if err != nil {
		return nil, err
	}

	e.logger.Info("passkey registered",
		zap.String("user_id", created.UserID),
		zap.String("passkey_id", created.ID),
	)
	return created, nil
}

// GeneratePasskeyAuthenticationOptions issues an assertion challenge
// restricted to userID's registered credentials.
func (e *Engine) GeneratePasskeyAuthenticationOptions(ctx context.Context, userID string) (*PasskeyOptions, error) {
	if err := e.passkeyReady(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}

	passkeys, err := e.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, backendError(err)
	}
	if len(passkeys) == 0 {
		return nil, ErrNoPasskeys
	}

	options, challenge, err := e.passkeys.BeginLogin(PasskeyUser{ID: userID, Credentials: passkeys})
	if err != nil {
		return nil, err
	}

	record, err := e.savePending(ctx, userID, ChallengePasskeyAuthentication, challenge, e.config.Passkey.ChallengeTTL)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventPasskeyChallengeIssued, true, userID, record.ID, nil, nil)
	return &PasskeyOptions{PendingID: record.ID, Options: options}, nil
}

// VerifyPasskeyAuthentication verifies an assertion and returns the id of
// the passkey that produced it.
func (e *Engine) VerifyPasskeyAuthentication(ctx context.Context, pendingID string, response []byte) (string, error) {
	if err := e.passkeyReady(); err != nil {
		return "", err
	}
	passkey, err := e.finishPasskeyAssertion(ctx, pendingID, response, "")
	if err != nil {
		return "", err
	}
	return passkey.ID, nil
}

// ListPasskeys returns userID's passkeys. PublicKey is never serialized.
func (e *Engine) ListPasskeys(ctx context.Context, userID string) ([]Passkey, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	passkeys, err := e.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, backendError(err)
	}
	return passkeys, nil
}

// RemovePasskey deletes one of userID's passkeys and disables 2FA if it was
// the last method.
func (e *Engine) RemovePasskey(ctx context.Context, userID, passkeyID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.ownedPasskey(ctx, userID, passkeyID); err != nil {
		return err
	}

	deleted, err := e.store.DeletePasskey(ctx, passkeyID)
	if err != nil {
		return backendError(err)
	}
	if !deleted {
		return ErrPasskeyNotFound
	}

	e.emitAudit(ctx, auditEventPasskeyRemoved, true, userID, "", nil, func() map[string]string {
		return map[string]string{"passkey_id": passkeyID}
	})

	_, err = e.CheckAndDisableIfNoMethods(ctx, userID)
	return err
}

// RenamePasskey changes the display name of one of userID's passkeys.
func (e *Engine) RenamePasskey(ctx context.Context, userID, passkeyID, name string) (*Passkey, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrPasskeyNameInvalid
	}
	name, err := e.passkeyName(name)
	if err != nil {
		return nil, err
	}

	passkey, err := e.ownedPasskey(ctx, userID, passkeyID)
	if err != nil {
		return nil, err
	}
	passkey.Name = name
	if err := e.store.UpdatePasskey(ctx, passkey); err != nil {
		return nil, storeLookup(err, ErrPasskeyNotFound)
	}

	e.emitAudit(ctx, auditEventPasskeyRenamed, true, userID, "", nil, func() map[string]string {
		return map[string]string{"passkey_id": passkeyID}
	})
	return passkey, nil
}

// finishPasskeyAssertion runs the passkey-authentication pending lifecycle.
// When expectedUser is set the challenge must belong to that user. The
// counter comparison happens before the challenge is claimed or any
// passkey row is written.
func (e *Engine) finishPasskeyAssertion(ctx context.Context, pendingID string, response []byte, expectedUser string) (*Passkey, error) {
	var (
		passkey *Passkey
		counter uint32
	)

	_, err := internalflows.RunPendingVerification(ctx, internalflows.PendingCheck{
		PendingID:    pendingID,
		ExpectedType: string(ChallengePasskeyAuthentication),
		Method:       string(MethodPasskey),
		Verify: func(ctx context.Context, record *internalflows.PendingRecord) (bool, error) {
			if expectedUser != "" && record.UserID != expectedUser {
				return false, ErrPasskeyOwnerMismatch
			}

			credentialID, err := e.passkeys.AssertionCredentialID(response)
			if err != nil {
				return false, passkeyVerificationError(err)
			}
			stored, err := e.store.GetPasskeyByCredentialID(ctx, credentialID)
			if err != nil {
				return false, storeLookup(err, ErrPasskeyNotFound)
			}
			if stored.UserID != record.UserID {
				return false, ErrPasskeyOwnerMismatch
			}

			credentials, err := e.store.ListPasskeys(ctx, record.UserID)
			if err != nil {
				return false, backendError(err)
			}
			assertion, err := e.passkeys.FinishLogin(PasskeyUser{ID: record.UserID, Credentials: credentials}, record.Challenge, response)
			if err != nil {
				return false, passkeyVerificationError(err)
			}

			if assertion.CloneWarning || !counterAdvanced(stored.Counter, assertion.Counter) {
				e.metricInc(MetricPasskeyCloneDetected)
				e.emitAudit(ctx, auditEventPasskeyCloneDetected, false, record.UserID, record.ID, ErrPasskeyCounterRegression, func() map[string]string {
					return map[string]string{"passkey_id": stored.ID}
				})
				e.logger.Warn("passkey counter did not advance",
					zap.String("user_id", record.UserID),
					zap.String("passkey_id", stored.ID),
				)
				return false, ErrPasskeyCounterRegression
			}

			passkey = stored
			counter = assertion.Counter
			return true, nil
		},
		Commit: func(ctx context.Context, record *internalflows.PendingRecord) error {
			now := e.now().UTC()
			swapped, err := e.store.UpdatePasskeyCounter(ctx, passkey.ID, passkey.Counter, counter, now)
			if err != nil {
				return backendError(err)
			}
			if !swapped {
				// a concurrent assertion advanced the counter first
				return ErrPasskeyCounterRegression
			}
			passkey.Counter = counter
			passkey.LastUsedAt = &now
			return nil
		},
	}, e.pendingFlowDeps(passkeyTelemetry))
	if err != nil {
		return nil, err
	}
	return passkey, nil
}

func (e *Engine) ownedPasskey(ctx context.Context, userID, passkeyID string) (*Passkey, error) {
	if passkeyID == "" {
		return nil, ErrPasskeyNotFound
	}
	passkey, err := e.store.GetPasskey(ctx, passkeyID)
	if err != nil {
		return nil, storeLookup(err, ErrPasskeyNotFound)
	}
	if passkey.UserID != userID {
		return nil, ErrPasskeyNotFound
	}
	return passkey, nil
}

func (e *Engine) passkeyName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultPasskeyName, nil
	}
	if utf8.RuneCountInString(name) > e.config.Passkey.MaxNameLength {
		return "", ErrPasskeyNameInvalid
	}
	return name, nil
}

func (e *Engine) passkeyReady() error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.passkeys == nil {
		return ErrPasskeyDisabled
	}
	return nil
}

func passkeyVerificationError(err error) error {
	return fmt.Errorf("%w: %v", ErrPasskeyVerificationFailed, err)
}
