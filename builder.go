package goMFA

import (
	"errors"
	"time"

	"github.com/MrEthical07/goMFA/encryption"
	"github.com/MrEthical07/goMFA/jwt"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an Engine. A Builder is single-use: Build may be called
// once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	store    CredentialStore
	pending  PendingStore
	verifier PasskeyVerifier

	logger    *zap.Logger
	auditSink AuditSink
	clock     func() time.Time
	newID     func() string

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs pending sessions with Redis. Ignored when WithPendingStore
// is also used.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithPendingStore(store PendingStore) *Builder {
	b.pending = store
	return b
}

func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.store = store
	return b
}

// WithPasskeyVerifier replaces the default WebAuthn verifier. Passkey
// operations are available whenever a verifier is set, even if
// Config.Passkey.Enabled is false.
func (b *Builder) WithPasskeyVerifier(v PasskeyVerifier) *Builder {
	b.verifier = v
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock overrides the engine clock used for expiry and timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithIDGenerator overrides the generator for authenticator, passkey and
// backup code ids.
func (b *Builder) WithIDGenerator(newID func() string) *Builder {
	b.newID = newID
	return b
}

// Build validates the configuration, runs the encryption self-test and
// returns the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.store == nil {
		return nil, errors.New("credential store required")
	}
	pending := b.pending
	if pending == nil {
		if b.redis == nil {
			return nil, errors.New("redis client or pending store required")
		}
		pending = newRedisPendingStore(b.redis, cfg.Pending, b.clock)
	}

	// -------- ENCRYPTION --------
	crypto, err := encryption.New(cfg.Encryption.Key)
	if err != nil {
		return nil, err
	}
	if !crypto.SelfTest() {
		return nil, errors.New("encryption self-test failed")
	}

	// -------- PASSKEYS --------
	verifier := b.verifier
	if verifier == nil && cfg.Passkey.Enabled {
		wa, err := NewWebAuthnVerifier(cfg.Passkey)
		if err != nil {
			return nil, err
		}
		verifier = wa
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:   cloneConfig(cfg),
		logger:   logger.Named("gomfa"),
		store:    b.store,
		pending:  pending,
		crypto:   crypto,
		totp:     newTOTPManager(cfg.TOTP),
		passkeys: verifier,
		audit:    newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:  NewMetrics(cfg.Metrics),
		now:      b.clock,
		newID:    b.newID,
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	if engine.newID == nil {
		engine.newID = defaultNewID
	}

	// -------- PENDING TOKENS --------
	if cfg.Token.Enabled {
		jm, err := jwt.NewManager(jwt.Config{
			SigningMethod: jwt.SigningMethod(cfg.Token.SigningMethod),
			PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
			PublicKey:     cloneBytes(cfg.Token.PublicKey),
			Issuer:        cfg.Token.Issuer,
			Leeway:        cfg.Token.Leeway,
		})
		if err != nil {
			return nil, err
		}
		engine.tokens = jm
	}

	engine.logger.Info("engine built",
		zap.Bool("passkeys", verifier != nil),
		zap.Bool("tokens", engine.tokens != nil),
		zap.String("key_source", string(crypto.Source())),
	)

	b.built = true
	return engine, nil
}
