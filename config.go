package goMFA

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config holds every tunable of the Engine. It is copied at Build time and
// never read from global state.
type Config struct {
	Encryption     EncryptionConfig
	TOTP           TOTPConfig
	Passkey        PasskeyConfig
	BackupCodes    BackupCodeConfig
	Pending        PendingConfig
	Token          TokenConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
	ProductionMode bool
}

/*
====================================
ENCRYPTION CONFIG
====================================
*/

// EncryptionConfig carries the key string for TOTP secrets at rest. Accepted
// forms are 64 hex chars, 44 char base64 of 32 bytes, or any passphrase.
type EncryptionConfig struct {
	Key string
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls secret generation and code validation.
type TOTPConfig struct {
	Issuer     string
	Digits     int
	Period     int
	Algorithm  string
	Skew       int
	SecretSize int
	QRSize     int
}

/*
====================================
PASSKEY CONFIG
====================================
*/

// PasskeyConfig describes the WebAuthn relying party.
type PasskeyConfig struct {
	Enabled          bool
	RPID             string
	RPDisplayName    string
	RPOrigins        []string
	ChallengeTTL     time.Duration
	UserVerification string // "required", "preferred" (default), "discouraged"
	MaxNameLength    int
}

/*
====================================
BACKUP CODE CONFIG
====================================
*/

// BackupCodeConfig controls backup code batches.
type BackupCodeConfig struct {
	Count    int
	HashCost int
}

/*
====================================
PENDING SESSION CONFIG
====================================
*/

// PendingConfig controls pending login sessions and their attempt ceilings.
type PendingConfig struct {
	TTL         time.Duration
	RedisPrefix string
	// ExpiredRetention keeps a record in Redis this long past its expiry so
	// a late request is answered with ErrPendingSessionExpired. Requests
	// arriving after ExpiresAt+ExpiredRetention find nothing and get
	// ErrPendingSessionNotFound; widen it if clients retry slowly.
	ExpiredRetention   time.Duration
	TOTPMaxAttempts    int
	PasskeyMaxAttempts int
	BackupMaxAttempts  int
}

/*
====================================
PENDING TOKEN CONFIG
====================================
*/

// TokenConfig enables signed pending-auth tokens bound to a pending session.
type TokenConfig struct {
	Enabled       bool
	Issuer        string
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Leeway        time.Duration
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Encryption.Key is empty
// and must be supplied.
func DefaultConfig() Config {
	return Config{
		TOTP: TOTPConfig{
			Issuer:     "goMFA",
			Digits:     6,
			Period:     30,
			Algorithm:  "SHA1",
			Skew:       1,
			SecretSize: 20,
			QRSize:     256,
		},
		Passkey: PasskeyConfig{
			Enabled:          false,
			ChallengeTTL:     5 * time.Minute,
			UserVerification: "preferred",
			MaxNameLength:    64,
		},
		BackupCodes: BackupCodeConfig{
			Count:    10,
			HashCost: 10,
		},
		Pending: PendingConfig{
			TTL:                300 * time.Second,
			RedisPrefix:        "mfa:pending",
			ExpiredRetention:   time.Minute,
			TOTPMaxAttempts:    5,
			PasskeyMaxAttempts: 3,
			BackupMaxAttempts:  3,
		},
		Token: TokenConfig{
			Enabled:       false,
			Issuer:        "goMFA",
			SigningMethod: "ed25519",
			Leeway:        5 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

// HighSecurityConfig tightens TTLs and ceilings and turns on production checks.
func HighSecurityConfig() Config {
	cfg := DefaultConfig()
	cfg.ProductionMode = true
	cfg.Pending.TTL = 2 * time.Minute
	cfg.Pending.TOTPMaxAttempts = 3
	cfg.Pending.PasskeyMaxAttempts = 2
	cfg.Pending.BackupMaxAttempts = 2
	cfg.Passkey.ChallengeTTL = 2 * time.Minute
	cfg.Passkey.UserVerification = "required"
	cfg.BackupCodes.HashCost = 12
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	cfg.Metrics.Enabled = true
	return cfg
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Passkey.RPOrigins = append([]string(nil), cfg.Passkey.RPOrigins...)
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error. Build calls it.
func (c *Config) Validate() error {
	// Encryption
	if c.Encryption.Key == "" {
		return errors.New("Encryption Key is required")
	}

	// TOTP
	if c.TOTP.Issuer == "" {
		return errors.New("TOTP Issuer is required")
	}
	if strings.Contains(c.TOTP.Issuer, ":") {
		return errors.New("TOTP Issuer must not contain ':'")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period < 15 {
		return errors.New("TOTP Period must be >= 15 seconds")
	}
	if c.TOTP.Skew < 0 {
		return errors.New("TOTP Skew must be >= 0")
	}
	if c.TOTP.SecretSize < 16 {
		return errors.New("TOTP SecretSize must be >= 16 bytes")
	}
	if c.TOTP.QRSize < 64 {
		return errors.New("TOTP QRSize must be >= 64 pixels")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
	}

	// Passkey
	if c.Passkey.Enabled {
		if c.Passkey.RPID == "" {
			return errors.New("Passkey RPID is required when passkeys are enabled")
		}
		if c.Passkey.RPDisplayName == "" {
			return errors.New("Passkey RPDisplayName is required when passkeys are enabled")
		}
		if len(c.Passkey.RPOrigins) == 0 {
			return errors.New("Passkey RPOrigins must not be empty when passkeys are enabled")
		}
		for _, origin := range c.Passkey.RPOrigins {
			u, err := url.Parse(origin)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return errors.New("Passkey RPOrigins must be absolute origins")
			}
		}
	}
	if c.Passkey.ChallengeTTL <= 0 {
		return errors.New("Passkey ChallengeTTL must be > 0")
	}
	switch c.Passkey.UserVerification {
	case "required", "preferred", "discouraged":
	default:
		return errors.New("Passkey UserVerification must be required, preferred, or discouraged")
	}
	if c.Passkey.MaxNameLength <= 0 {
		return errors.New("Passkey MaxNameLength must be > 0")
	}

	// Backup codes
	if c.BackupCodes.Count <= 0 {
		return errors.New("BackupCodes Count must be > 0")
	}
	if c.BackupCodes.HashCost < 4 || c.BackupCodes.HashCost > 31 {
		return errors.New("BackupCodes HashCost must be between 4 and 31")
	}

	// Pending
	if c.Pending.TTL <= 0 {
		return errors.New("Pending TTL must be > 0")
	}
	if c.Pending.ExpiredRetention < 0 {
		return errors.New("Pending ExpiredRetention must be >= 0")
	}
	if c.Pending.TOTPMaxAttempts <= 0 || c.Pending.PasskeyMaxAttempts <= 0 || c.Pending.BackupMaxAttempts <= 0 {
		return errors.New("Pending attempt ceilings must be > 0")
	}

	// Token
	if c.Token.Enabled {
		switch c.Token.SigningMethod {
		case "ed25519":
			if len(c.Token.PrivateKey) == 0 || len(c.Token.PublicKey) == 0 {
				return errors.New("ed25519 requires PrivateKey and PublicKey")
			}
		case "hs256":
			if len(c.Token.PrivateKey) == 0 {
				return errors.New("hs256 requires PrivateKey")
			}
		default:
			return errors.New("unsupported Token signing method")
		}
		if c.Token.Leeway < 0 {
			return errors.New("Token Leeway must be >= 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.ProductionMode {
		if c.TOTP.Skew > 2 {
			return errors.New("ProductionMode requires TOTP Skew <= 2")
		}
		if c.BackupCodes.HashCost < 10 {
			return errors.New("ProductionMode requires BackupCodes HashCost >= 10")
		}
		if c.Passkey.Enabled {
			for _, origin := range c.Passkey.RPOrigins {
				if !strings.HasPrefix(origin, "https://") {
					return errors.New("ProductionMode requires https Passkey RPOrigins")
				}
			}
		}
		if c.Token.Enabled && c.Token.SigningMethod == "hs256" && len(c.Token.PrivateKey) < 32 {
			return errors.New("ProductionMode requires hs256 keys of at least 32 bytes")
		}
	}

	return nil
}

/*
====================================
LINT
====================================
*/

// LintSeverity grades a LintWarning.
type LintSeverity string

const (
	LintInfo LintSeverity = "info"
	LintWarn LintSeverity = "warn"
)

// LintWarning is an advisory finding that does not make the config invalid.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the list of findings produced by Config.Lint.
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, 0, len(r))
	for _, w := range r {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports valid but questionable settings.
func (c *Config) Lint() LintResult {
	var out LintResult
	add := func(code string, severity LintSeverity, msg string) {
		out = append(out, LintWarning{Code: code, Severity: severity, Message: msg})
	}

	if c.Encryption.Key != "" && len(c.Encryption.Key) < 32 && !looksLikeEncodedKey(c.Encryption.Key) {
		add("encryption_key_short", LintWarn, "encryption key is a short passphrase; prefer 32 random bytes in hex or base64")
	}
	if c.TOTP.Skew > 1 {
		add("totp_skew_wide", LintWarn, "TOTP skew above one period widens the replay window")
	}
	if c.Pending.TTL > 10*time.Minute {
		add("pending_ttl_long", LintWarn, "pending sessions live longer than 10 minutes")
	}
	if c.Pending.TOTPMaxAttempts > 10 || c.Pending.PasskeyMaxAttempts > 10 || c.Pending.BackupMaxAttempts > 10 {
		add("attempt_ceiling_high", LintWarn, "attempt ceilings above 10 weaken lockout")
	}
	if c.BackupCodes.HashCost < 10 {
		add("backup_hash_cost_low", LintWarn, "backup code bcrypt cost below 10")
	}
	if c.Passkey.Enabled {
		for _, origin := range c.Passkey.RPOrigins {
			if strings.HasPrefix(origin, "http://") && !isLocalOrigin(origin) {
				add("passkey_origin_insecure", LintWarn, "passkey origin "+origin+" is not https")
			}
		}
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintInfo, "audit events are disabled")
	}
	if c.Token.Enabled && c.Token.SigningMethod == "hs256" {
		add("token_symmetric", LintInfo, "pending tokens use a shared HMAC key")
	}

	return out
}

func looksLikeEncodedKey(key string) bool {
	return len(key) == 64 || len(key) == 44
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
