package goMFA

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type methodCounts struct {
	totp    int
	passkey int
	backup  int
}

func (c methodCounts) of(m Method) int {
	switch m {
	case MethodTOTP:
		return c.totp
	case MethodPasskey:
		return c.passkey
	case MethodBackup:
		return c.backup
	}
	return 0
}

func (c methodCounts) primary() int {
	return c.totp + c.passkey
}

func (c methodCounts) available() []Method {
	out := make([]Method, 0, 3)
	if c.totp > 0 {
		out = append(out, MethodTOTP)
	}
	if c.passkey > 0 {
		out = append(out, MethodPasskey)
	}
	if c.backup > 0 {
		out = append(out, MethodBackup)
	}
	return out
}

// Enable turns 2FA on for userID. An empty preferred method means TOTP.
// When the preferred method has no credential the other primary method is
// used instead; at least one must exist.
func (e *Engine) Enable(ctx context.Context, userID string, preferred Method) (*TwoFactorConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	if preferred == "" {
		preferred = MethodTOTP
	}
	if !isPrimaryMethod(preferred) {
		return nil, ErrMethodInvalid
	}

	counts, err := e.methodCounts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if counts.primary() == 0 {
		e.emitAudit(ctx, auditEventTwoFactorEnabled, false, userID, "", ErrNoMethodConfigured, nil)
		return nil, ErrNoMethodConfigured
	}
	if counts.of(preferred) == 0 {
		preferred = otherPrimary(preferred)
	}

	cfg, err := e.store.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			return nil, backendError(err)
		}
		cfg = &TwoFactorConfig{UserID: userID}
	}
	cfg.Enabled = true
	cfg.PreferredMethod = preferred
	cfg.BackupCodesCount = counts.backup
	cfg.UpdatedAt = e.now().UTC()
	if err := e.store.SaveTwoFactorConfig(ctx, cfg); err != nil {
		return nil, backendError(err)
	}

	e.metricInc(MetricTwoFactorEnabled)
	e.emitAudit(ctx, auditEventTwoFactorEnabled, true, userID, "", nil, func() map[string]string {
		return map[string]string{"method": string(preferred)}
	})
	return cfg, nil
}

// Disable turns 2FA off without touching credentials.
func (e *Engine) Disable(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	cfg, err := e.loadTwoFactorConfig(ctx, userID)
	if err != nil {
		return err
	}
	return e.disable(ctx, cfg, auditEventTwoFactorDisabled, MetricTwoFactorDisabled)
}

// SetPreferredMethod changes the method offered first at login.
func (e *Engine) SetPreferredMethod(ctx context.Context, userID string, method Method) error {
	if err := e.ready(); err != nil {
		return err
	}
	if !isPrimaryMethod(method) {
		return ErrMethodInvalid
	}

	cfg, err := e.loadTwoFactorConfig(ctx, userID)
	if err != nil {
		return err
	}
	counts, err := e.methodCounts(ctx, userID)
	if err != nil {
		return err
	}
	if counts.of(method) == 0 {
		return ErrMethodUnavailable
	}

	cfg.PreferredMethod = method
	cfg.UpdatedAt = e.now().UTC()
	if err := e.store.SaveTwoFactorConfig(ctx, cfg); err != nil {
		return backendError(err)
	}

	e.emitAudit(ctx, auditEventPreferredMethodChanged, true, userID, "", nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	return nil
}

// IsEnabled reports whether userID must pass a second factor at login.
func (e *Engine) IsEnabled(ctx context.Context, userID string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	cfg, err := e.store.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, backendError(err)
	}
	return cfg.Enabled, nil
}

// GetStatus aggregates the user's 2FA state. Users without a config are
// reported as disabled.
func (e *Engine) GetStatus(ctx context.Context, userID string) (*Status, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	counts, err := e.methodCounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		TOTPCount:            counts.totp,
		PasskeyCount:         counts.passkey,
		BackupCodesRemaining: counts.backup,
		AvailableMethods:     counts.available(),
	}

	cfg, err := e.store.GetTwoFactorConfig(ctx, userID)
	switch {
	case err == nil:
		status.Enabled = cfg.Enabled
		status.PreferredMethod = cfg.PreferredMethod
	case !errors.Is(err, ErrRecordNotFound):
		return nil, backendError(err)
	}
	return status, nil
}

// CheckAndDisableIfNoMethods disables 2FA when the user has no verified
// TOTP authenticator and no passkey left. It reports whether it did.
func (e *Engine) CheckAndDisableIfNoMethods(ctx context.Context, userID string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	counts, err := e.methodCounts(ctx, userID)
	if err != nil {
		return false, err
	}
	if counts.primary() > 0 {
		return false, nil
	}

	cfg, err := e.store.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, backendError(err)
	}
	if !cfg.Enabled {
		return false, nil
	}

	if err := e.disable(ctx, cfg, auditEventTwoFactorAutoDisabled, MetricTwoFactorAutoDisabled); err != nil {
		return false, err
	}
	e.logger.Info("two-factor disabled after last method removed", zap.String("user_id", userID))
	return true, nil
}

func (e *Engine) disable(ctx context.Context, cfg *TwoFactorConfig, event string, metric MetricID) error {
	cfg.Enabled = false
	cfg.UpdatedAt = e.now().UTC()
	if err := e.store.SaveTwoFactorConfig(ctx, cfg); err != nil {
		return backendError(err)
	}
	e.metricInc(metric)
	e.emitAudit(ctx, event, true, cfg.UserID, "", nil, nil)
	return nil
}

func (e *Engine) loadTwoFactorConfig(ctx context.Context, userID string) (*TwoFactorConfig, error) {
	if userID == "" {
		return nil, ErrConfigNotFound
	}
	cfg, err := e.store.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		return nil, storeLookup(err, ErrConfigNotFound)
	}
	return cfg, nil
}

func (e *Engine) methodCounts(ctx context.Context, userID string) (methodCounts, error) {
	var counts methodCounts

	authenticators, err := e.store.ListTOTPAuthenticators(ctx, userID)
	if err != nil {
		return counts, backendError(err)
	}
	for _, a := range authenticators {
		if a.Verified {
			counts.totp++
		}
	}

	passkeys, err := e.store.ListPasskeys(ctx, userID)
	if err != nil {
		return counts, backendError(err)
	}
	counts.passkey = len(passkeys)

	codes, err := e.store.ListBackupCodes(ctx, userID)
	if err != nil {
		return counts, backendError(err)
	}
	for _, c := range codes {
		if c.UsedAt == nil {
			counts.backup++
		}
	}
	return counts, nil
}

func isPrimaryMethod(m Method) bool {
	return m == MethodTOTP || m == MethodPasskey
}

func otherPrimary(m Method) Method {
	if m == MethodTOTP {
		return MethodPasskey
	}
	return MethodTOTP
}
