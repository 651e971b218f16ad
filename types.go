package goMFA

import (
	"context"
	"encoding/json"
	"time"
)

// Method names a second factor.
type Method string

const (
	MethodTOTP    Method = "totp"
	MethodPasskey Method = "passkey"
	MethodBackup  Method = "backup"
)

// ChallengeType tags a pending record with the flow that may consume it.
type ChallengeType string

const (
	ChallengeLogin                 ChallengeType = "login"
	ChallengeTOTPSetup             ChallengeType = "totp-setup"
	ChallengePasskeyRegistration   ChallengeType = "passkey-registration"
	ChallengePasskeyAuthentication ChallengeType = "passkey-authentication"
)

// TOTPAuthenticator is a stored TOTP enrollment. Secret holds ciphertext
// produced by the encryption service, never the plaintext.
type TOTPAuthenticator struct {
	ID         string
	UserID     string
	Name       string
	Secret     string
	Verified   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// TOTPAuthenticatorInfo is the caller-facing view of a TOTPAuthenticator.
type TOTPAuthenticatorInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Verified   bool       `json:"verified"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TOTPEnrollment is returned once by GenerateTOTPSecret. Secret and QRImage
// are not retrievable afterwards.
type TOTPEnrollment struct {
	AuthenticatorID string `json:"authenticator_id"`
	Secret          string `json:"secret"`
	URI             string `json:"uri"`
	QRImage         string `json:"qr_image"`
}

// Passkey is a registered WebAuthn credential.
type Passkey struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	CredentialID []byte     `json:"credential_id"`
	PublicKey    []byte     `json:"-"`
	Counter      uint32     `json:"counter"`
	Transports   []string   `json:"transports,omitempty"`
	BackedUp     bool       `json:"backed_up"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// PasskeyOptions carries a pending id and the client-side WebAuthn options.
type PasskeyOptions struct {
	PendingID string          `json:"pending_id"`
	Options   json.RawMessage `json:"options"`
}

// BackupCode is a stored backup code hash.
type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	CreatedAt time.Time
	UsedAt    *time.Time
}

// BackupCodeBatch is the plaintext batch returned once at generation.
type BackupCodeBatch struct {
	Codes []string `json:"codes"`
	Count int      `json:"count"`
}

// PendingTwoFactor is a transient challenge record.
type PendingTwoFactor struct {
	ID        string
	UserID    string
	Challenge []byte
	Type      ChallengeType
	ExpiresAt time.Time
	Attempts  uint32
}

// PendingSession is the caller-facing view of a pending record. The
// challenge is never exposed.
type PendingSession struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Type      ChallengeType `json:"type"`
	ExpiresAt time.Time     `json:"expires_at"`
	Attempts  uint32        `json:"attempts"`
}

// VerificationResult is returned by the login verification paths. A wrong
// code yields Success=false with a nil error.
type VerificationResult struct {
	Success           bool   `json:"success"`
	UserID            string `json:"user_id,omitempty"`
	Method            Method `json:"method"`
	AttemptsRemaining int    `json:"attempts_remaining"`
}

// TwoFactorConfig is the per-user 2FA switch.
type TwoFactorConfig struct {
	UserID           string
	Enabled          bool
	PreferredMethod  Method
	BackupCodesCount int
	UpdatedAt        time.Time
}

// Status aggregates the 2FA state of a user.
type Status struct {
	Enabled              bool     `json:"enabled"`
	PreferredMethod      Method   `json:"preferred_method,omitempty"`
	TOTPCount            int      `json:"totp_count"`
	PasskeyCount         int      `json:"passkey_count"`
	BackupCodesRemaining int      `json:"backup_codes_remaining"`
	AvailableMethods     []Method `json:"available_methods"`
}

// TOTPStore persists TOTP authenticators.
type TOTPStore interface {
	CreateTOTPAuthenticator(ctx context.Context, a *TOTPAuthenticator) error
	GetTOTPAuthenticator(ctx context.Context, id string) (*TOTPAuthenticator, error)
	ListTOTPAuthenticators(ctx context.Context, userID string) ([]TOTPAuthenticator, error)
	UpdateTOTPAuthenticator(ctx context.Context, a *TOTPAuthenticator) error
	DeleteTOTPAuthenticator(ctx context.Context, id string) (bool, error)
}

// PasskeyStore persists passkeys. UpdatePasskeyCounter must only apply when
// the stored counter still equals expected and report whether it did.
type PasskeyStore interface {
	CreatePasskey(ctx context.Context, p *Passkey) error
	GetPasskey(ctx context.Context, id string) (*Passkey, error)
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Passkey, error)
	ListPasskeys(ctx context.Context, userID string) ([]Passkey, error)
	UpdatePasskey(ctx context.Context, p *Passkey) error
	UpdatePasskeyCounter(ctx context.Context, id string, expected, counter uint32, usedAt time.Time) (bool, error)
	DeletePasskey(ctx context.Context, id string) (bool, error)
}

// BackupCodeStore persists backup code hashes. MarkBackupCodeUsed must be an
// atomic conditional update that reports whether this call spent the code.
type BackupCodeStore interface {
	CreateBackupCodes(ctx context.Context, codes []BackupCode) error
	ListBackupCodes(ctx context.Context, userID string) ([]BackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, id string, usedAt time.Time) (bool, error)
	DeleteBackupCodes(ctx context.Context, userID string) error
}

// ConfigStore persists TwoFactorConfig rows.
type ConfigStore interface {
	GetTwoFactorConfig(ctx context.Context, userID string) (*TwoFactorConfig, error)
	SaveTwoFactorConfig(ctx context.Context, cfg *TwoFactorConfig) error
}

// CredentialStore is the durable persistence collaborator. Missing rows are
// reported as ErrRecordNotFound.
type CredentialStore interface {
	TOTPStore
	PasskeyStore
	BackupCodeStore
	ConfigStore
}

// PendingStore persists PendingTwoFactor records. IncrementAttempts is an
// atomic read-modify-write returning the new count; Delete reports whether
// the record was still present.
type PendingStore interface {
	Save(ctx context.Context, record *PendingTwoFactor) error
	Get(ctx context.Context, id string) (*PendingTwoFactor, error)
	IncrementAttempts(ctx context.Context, id string) (uint32, error)
	Delete(ctx context.Context, id string) (bool, error)
}
