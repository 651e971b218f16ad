package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration file. Zero values in the mfa section
// keep the library defaults.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Purge    PurgeConfig    `yaml:"purge"`
	MFA      MFAConfig      `yaml:"mfa"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	InternalKey     string        `yaml:"internal_key"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// RedisConfig with an empty Addr starts an embedded miniredis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// PostgresConfig with an empty DSN keeps credentials in memory.
type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic" validate:"required_with=Brokers"`
}

type PurgeConfig struct {
	Schedule   string        `yaml:"schedule" validate:"required"`
	RetainUsed time.Duration `yaml:"retain_used" validate:"gte=0"`
}

type MFAConfig struct {
	EncryptionKey  string        `yaml:"encryption_key" validate:"required"`
	ProductionMode bool          `yaml:"production_mode"`
	TOTP           TOTPSection   `yaml:"totp"`
	Passkey        PasskeySect   `yaml:"passkey"`
	BackupCodes    BackupSection `yaml:"backup_codes"`
	Pending        PendingSect   `yaml:"pending"`
	Token          TokenSection  `yaml:"token"`
	Audit          AuditSection  `yaml:"audit"`
	Metrics        MetricsSect   `yaml:"metrics"`
}

type TOTPSection struct {
	Issuer    string `yaml:"issuer"`
	Digits    int    `yaml:"digits"`
	Period    int    `yaml:"period"`
	Algorithm string `yaml:"algorithm"`
	Skew      *int   `yaml:"skew"`
}

type PasskeySect struct {
	Enabled          bool     `yaml:"enabled"`
	RPID             string   `yaml:"rp_id" validate:"required_if=Enabled true"`
	RPDisplayName    string   `yaml:"rp_display_name"`
	RPOrigins        []string `yaml:"rp_origins" validate:"omitempty,dive,url"`
	UserVerification string   `yaml:"user_verification"`
}

type BackupSection struct {
	Count    int `yaml:"count"`
	HashCost int `yaml:"hash_cost"`
}

type PendingSect struct {
	TTL                time.Duration `yaml:"ttl"`
	TOTPMaxAttempts    int           `yaml:"totp_max_attempts"`
	PasskeyMaxAttempts int           `yaml:"passkey_max_attempts"`
	BackupMaxAttempts  int           `yaml:"backup_max_attempts"`
}

// TokenSection points at PEM or raw ed25519 key files. Without files a
// throwaway key pair is generated outside production mode.
type TokenSection struct {
	Issuer         string `yaml:"issuer"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PublicKeyFile  string `yaml:"public_key_file"`
}

type AuditSection struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

type MetricsSect struct {
	Enabled           bool `yaml:"enabled"`
	LatencyHistograms bool `yaml:"latency_histograms"`
}

func defaultServerConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Purge: PurgeConfig{
			Schedule:   "@daily",
			RetainUsed: 30 * 24 * time.Hour,
		},
		MFA: MFAConfig{
			Audit:   AuditSection{Enabled: true, BufferSize: 1024, DropIfFull: true},
			Metrics: MetricsSect{Enabled: true, LatencyHistograms: true},
		},
	}
}

// loadConfig reads an optional .env file, then the YAML file at path (if
// any), then applies GOMFA_* environment overrides.
func loadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultServerConfig()
	if path == "" {
		path = os.Getenv("GOMFA_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GOMFA_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("GOMFA_INTERNAL_KEY"); v != "" {
		cfg.HTTP.InternalKey = v
	}
	if v := os.Getenv("GOMFA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GOMFA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GOMFA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GOMFA_DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("GOMFA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("GOMFA_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("GOMFA_ENCRYPTION_KEY"); v != "" {
		cfg.MFA.EncryptionKey = v
	}
}

// engineConfig overlays the mfa section on goMFA.DefaultConfig. Token keys
// are filled in separately.
func (c MFAConfig) engineConfig() goMFA.Config {
	cfg := goMFA.DefaultConfig()
	if c.ProductionMode {
		cfg = goMFA.HighSecurityConfig()
	}
	cfg.Encryption.Key = c.EncryptionKey

	if c.TOTP.Issuer != "" {
		cfg.TOTP.Issuer = c.TOTP.Issuer
	}
	if c.TOTP.Digits != 0 {
		cfg.TOTP.Digits = c.TOTP.Digits
	}
	if c.TOTP.Period != 0 {
		cfg.TOTP.Period = c.TOTP.Period
	}
	if c.TOTP.Algorithm != "" {
		cfg.TOTP.Algorithm = c.TOTP.Algorithm
	}
	if c.TOTP.Skew != nil {
		cfg.TOTP.Skew = *c.TOTP.Skew
	}

	if c.Passkey.Enabled {
		cfg.Passkey.Enabled = true
		cfg.Passkey.RPID = c.Passkey.RPID
		cfg.Passkey.RPDisplayName = c.Passkey.RPDisplayName
		cfg.Passkey.RPOrigins = append([]string(nil), c.Passkey.RPOrigins...)
		if c.Passkey.UserVerification != "" {
			cfg.Passkey.UserVerification = c.Passkey.UserVerification
		}
	}

	if c.BackupCodes.Count != 0 {
		cfg.BackupCodes.Count = c.BackupCodes.Count
	}
	if c.BackupCodes.HashCost != 0 {
		cfg.BackupCodes.HashCost = c.BackupCodes.HashCost
	}

	if c.Pending.TTL != 0 {
		cfg.Pending.TTL = c.Pending.TTL
	}
	if c.Pending.TOTPMaxAttempts != 0 {
		cfg.Pending.TOTPMaxAttempts = c.Pending.TOTPMaxAttempts
	}
	if c.Pending.PasskeyMaxAttempts != 0 {
		cfg.Pending.PasskeyMaxAttempts = c.Pending.PasskeyMaxAttempts
	}
	if c.Pending.BackupMaxAttempts != 0 {
		cfg.Pending.BackupMaxAttempts = c.Pending.BackupMaxAttempts
	}

	cfg.Token.Enabled = true
	cfg.Token.SigningMethod = "ed25519"
	if c.Token.Issuer != "" {
		cfg.Token.Issuer = c.Token.Issuer
	}

	cfg.Audit = goMFA.AuditConfig{
		Enabled:    c.Audit.Enabled,
		BufferSize: c.Audit.BufferSize,
		DropIfFull: c.Audit.DropIfFull,
	}
	cfg.Metrics = goMFA.MetricsConfig{
		Enabled:                 c.Metrics.Enabled,
		EnableLatencyHistograms: c.Metrics.LatencyHistograms,
	}
	cfg.ProductionMode = c.ProductionMode
	return cfg
}
