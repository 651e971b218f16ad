package goMFA

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const defaultAuthenticatorName = "Authenticator"

// GenerateTOTPSecret starts a TOTP enrollment. It persists an unverified
// authenticator holding the encrypted secret and returns the plaintext
// secret, provisioning URI and QR image. They are not retrievable later.
func (e *Engine) GenerateTOTPSecret(ctx context.Context, userID, name, accountName string) (*TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultAuthenticatorName
	}
	if accountName == "" {
		accountName = userID
	}

	key, err := e.totp.Generate(accountName)
	if err != nil {
		return nil, err
	}
	qr, err := e.totp.QRDataURI(key)
	if err != nil {
		return nil, err
	}
	ciphertext, err := e.crypto.Encrypt(key.Secret())
	if err != nil {
		return nil, err
	}

	authenticator := &TOTPAuthenticator{
		ID:        e.newID(),
		UserID:    userID,
		Name:      name,
		Secret:    ciphertext,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateTOTPAuthenticator(ctx, authenticator); err != nil {
		return nil, backendError(err)
	}

	e.emitAudit(ctx, auditEventTOTPEnrollmentStarted, true, userID, "", nil, func() map[string]string {
		return map[string]string{"authenticator_id": authenticator.ID}
	})
	return &TOTPEnrollment{
		AuthenticatorID: authenticator.ID,
		Secret:          key.Secret(),
		URI:             key.URL(),
		QRImage:         qr,
	}, nil
}

// AddTOTPAuthenticator confirms an enrollment with a code from the user's
// app. A wrong code returns (nil, nil) so the caller can prompt again.
func (e *Engine) AddTOTPAuthenticator(ctx context.Context, authenticatorID, code string) (*TOTPAuthenticator, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	authenticator, err := e.loadAuthenticator(ctx, authenticatorID)
	if err != nil {
		return nil, err
	}
	if authenticator.Verified {
		return nil, ErrAuthenticatorVerified
	}

	ok, err := e.checkTOTP(ctx, authenticator, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPEnrollmentFailed, false, authenticator.UserID, "", nil, nil)
		return nil, nil
	}

	now := e.now().UTC()
	authenticator.Verified = true
	authenticator.LastUsedAt = &now
	if err := e.store.UpdateTOTPAuthenticator(ctx, authenticator); err != nil {
		return nil, backendError(err)
	}

	e.metricInc(MetricTOTPEnrolled)
	e.emitAudit(ctx, auditEventTOTPEnrolled, true, authenticator.UserID, "", nil, func() map[string]string {
		return map[string]string{"authenticator_id": authenticator.ID}
	})
	e.logger.Info("totp authenticator verified",
		zap.String("user_id", authenticator.UserID),
		zap.String("authenticator_id", authenticator.ID),
	)
	return authenticator, nil
}

// ConfirmTOTPAuthenticator is AddTOTPAuthenticator with an ownership check,
// for transports that only know the authenticated user.
func (e *Engine) ConfirmTOTPAuthenticator(ctx context.Context, userID, authenticatorID, code string) (*TOTPAuthenticator, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	authenticator, err := e.loadAuthenticator(ctx, authenticatorID)
	if err != nil {
		return nil, err
	}
	if authenticator.UserID != userID {
		return nil, ErrAuthenticatorNotFound
	}
	return e.AddTOTPAuthenticator(ctx, authenticatorID, code)
}

// VerifyTOTPCode checks code against one authenticator and records the use
// on success. Replays inside the acceptance window are accepted.
func (e *Engine) VerifyTOTPCode(ctx context.Context, authenticatorID, code string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}

	authenticator, err := e.loadAuthenticator(ctx, authenticatorID)
	if err != nil {
		return false, err
	}

	ok, err := e.checkTOTP(ctx, authenticator, code)
	if err != nil {
		return false, err
	}
	if !ok {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, authenticator.UserID, "", nil, nil)
		return false, nil
	}
	if err := e.touchAuthenticator(ctx, authenticator); err != nil {
		return false, err
	}

	e.metricInc(MetricTOTPSuccess)
	e.emitAudit(ctx, auditEventTOTPSuccess, true, authenticator.UserID, "", nil, nil)
	return true, nil
}

// VerifyTOTPCodeForUser tries every verified authenticator of userID and
// returns the id of the first that accepts code, or "" when none does.
func (e *Engine) VerifyTOTPCodeForUser(ctx context.Context, userID, code string) (string, error) {
	if err := e.ready(); err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrInvalidInput
	}

	authenticators, err := e.store.ListTOTPAuthenticators(ctx, userID)
	if err != nil {
		return "", backendError(err)
	}

	for i := range authenticators {
		authenticator := &authenticators[i]
		if !authenticator.Verified {
			continue
		}
		ok, err := e.checkTOTP(ctx, authenticator, code)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		if err := e.touchAuthenticator(ctx, authenticator); err != nil {
			return "", err
		}
		e.metricInc(MetricTOTPSuccess)
		e.emitAudit(ctx, auditEventTOTPSuccess, true, userID, "", nil, nil)
		return authenticator.ID, nil
	}

	e.metricInc(MetricTOTPFailure)
	e.emitAudit(ctx, auditEventTOTPFailure, false, userID, "", nil, nil)
	return "", nil
}

// RemoveTOTPAuthenticator deletes one of userID's authenticators and
// disables 2FA if it was the last method.
func (e *Engine) RemoveTOTPAuthenticator(ctx context.Context, userID, authenticatorID string) error {
	if err := e.ready(); err != nil {
		return err
	}

	authenticator, err := e.loadAuthenticator(ctx, authenticatorID)
	if err != nil {
		return err
	}
	if authenticator.UserID != userID {
		return ErrAuthenticatorNotFound
	}

	deleted, err := e.store.DeleteTOTPAuthenticator(ctx, authenticatorID)
	if err != nil {
		return backendError(err)
	}
	if !deleted {
		return ErrAuthenticatorNotFound
	}

	e.emitAudit(ctx, auditEventTOTPRemoved, true, userID, "", nil, func() map[string]string {
		return map[string]string{"authenticator_id": authenticatorID}
	})

	_, err = e.CheckAndDisableIfNoMethods(ctx, userID)
	return err
}

// ListTOTPAuthenticators returns userID's authenticators without secrets.
func (e *Engine) ListTOTPAuthenticators(ctx context.Context, userID string) ([]TOTPAuthenticatorInfo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	authenticators, err := e.store.ListTOTPAuthenticators(ctx, userID)
	if err != nil {
		return nil, backendError(err)
	}

	out := make([]TOTPAuthenticatorInfo, 0, len(authenticators))
	for _, a := range authenticators {
		out = append(out, TOTPAuthenticatorInfo{
			ID:         a.ID,
			Name:       a.Name,
			Verified:   a.Verified,
			CreatedAt:  a.CreatedAt,
			LastUsedAt: a.LastUsedAt,
		})
	}
	return out, nil
}

func (e *Engine) loadAuthenticator(ctx context.Context, id string) (*TOTPAuthenticator, error) {
	if id == "" {
		return nil, ErrAuthenticatorNotFound
	}
	authenticator, err := e.store.GetTOTPAuthenticator(ctx, id)
	if err != nil {
		return nil, storeLookup(err, ErrAuthenticatorNotFound)
	}
	return authenticator, nil
}

// checkTOTP decrypts the stored secret and validates code at the engine
// clock. A secret that fails to decrypt is a hard error.
func (e *Engine) checkTOTP(ctx context.Context, authenticator *TOTPAuthenticator, code string) (bool, error) {
	secret, err := e.crypto.Decrypt(authenticator.Secret)
	if err != nil {
		e.metricInc(MetricSecretDecryptFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, authenticator.UserID, "", ErrSecretDecrypt, nil)
		e.logger.Error("totp secret decryption failed",
			zap.String("user_id", authenticator.UserID),
			zap.String("authenticator_id", authenticator.ID),
		)
		return false, ErrSecretDecrypt
	}
	return e.totp.Verify(secret, code, e.now())
}

func (e *Engine) touchAuthenticator(ctx context.Context, authenticator *TOTPAuthenticator) error {
	now := e.now().UTC()
	authenticator.LastUsedAt = &now
	if err := e.store.UpdateTOTPAuthenticator(ctx, authenticator); err != nil {
		return backendError(err)
	}
	return nil
}
