package goMFA

import "time"

// SecurityReport summarizes the security-relevant settings an Engine was
// built with. It contains no key material.
type SecurityReport struct {
	ProductionMode      bool
	EncryptionKeySource string
	TOTPAlgorithm       string
	TOTPDigits          int
	TOTPAcceptWindow    time.Duration
	PasskeysEnabled     bool
	PasskeyVerification string
	PasskeyOrigins      []string
	BackupCodeCount     int
	BackupCodeHashCost  int
	PendingTTL          time.Duration
	AttemptCeilings     AttemptCeilingReport
	PendingTokens       bool
	TokenAlgorithm      string
	AuditEnabled        bool
	MetricsEnabled      bool
}

type AttemptCeilingReport struct {
	TOTP    int
	Passkey int
	Backup  int
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	cfg := e.config
	report := SecurityReport{
		ProductionMode:     cfg.ProductionMode,
		TOTPAlgorithm:      cfg.TOTP.Algorithm,
		TOTPDigits:         cfg.TOTP.Digits,
		TOTPAcceptWindow:   time.Duration(2*cfg.TOTP.Skew+1) * time.Duration(cfg.TOTP.Period) * time.Second,
		PasskeysEnabled:    e.passkeys != nil,
		BackupCodeCount:    cfg.BackupCodes.Count,
		BackupCodeHashCost: cfg.BackupCodes.HashCost,
		PendingTTL:         cfg.Pending.TTL,
		AttemptCeilings: AttemptCeilingReport{
			TOTP:    cfg.Pending.TOTPMaxAttempts,
			Passkey: cfg.Pending.PasskeyMaxAttempts,
			Backup:  cfg.Pending.BackupMaxAttempts,
		},
		PendingTokens:  e.tokens != nil,
		AuditEnabled:   e.audit != nil,
		MetricsEnabled: e.metrics.Enabled(),
	}
	if e.crypto != nil {
		report.EncryptionKeySource = string(e.crypto.Source())
	}
	if report.PasskeysEnabled {
		report.PasskeyVerification = cfg.Passkey.UserVerification
		report.PasskeyOrigins = append([]string(nil), cfg.Passkey.RPOrigins...)
	}
	if report.PendingTokens {
		report.TokenAlgorithm = cfg.Token.SigningMethod
	}
	return report
}
