// Command gomfa-server exposes the goMFA engine over HTTP.
//
// The primary login service calls POST /v1/login/pending after checking a
// password and hands the returned pending token to the client. The client
// then completes the second factor under /v1/login with
// "Authorization: Bearer <token>". Account management lives under /v1/me
// and trusts the X-User-ID header set by the gateway.
//
// Run locally with embedded Redis and in-memory credentials:
//
//	GOMFA_ENCRYPTION_KEY=$(openssl rand -hex 32) go run ./cmd/gomfa-server
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/auditsink"
	"github.com/MrEthical07/goMFA/store/memory"
	"github.com/MrEthical07/goMFA/store/postgres"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config; defaults to $GOMFA_CONFIG")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	// ---------- redis ----------
	rdb, closeRedis, err := openRedis(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	// ---------- credential store ----------
	var (
		store  goMFA.CredentialStore
		purger backupCodePurger
	)
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		store, purger = pg, pg
	} else {
		logger.Warn("no postgres dsn configured; credentials are kept in memory")
		mem := memory.New()
		store, purger = mem, mem
	}

	// ---------- audit ----------
	sinks := goMFA.MultiSink{auditsink.NewZapSink(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		writer := auditsink.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = writer.Close() }()
		sinks = append(sinks, auditsink.NewKafkaSink(writer, auditsink.WithKafkaLogger(logger)))
	}

	// ---------- engine ----------
	engineCfg := cfg.MFA.engineConfig()
	if err := loadTokenKeys(&engineCfg, cfg.MFA.Token, logger); err != nil {
		return err
	}
	for _, w := range engineCfg.Lint() {
		logger.Warn("config lint", zap.String("code", w.Code), zap.String("severity", string(w.Severity)), zap.String("message", w.Message))
	}

	engine, err := goMFA.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithCredentialStore(store).
		WithLogger(logger).
		WithAuditSink(sinks).
		Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	// Close drains the audit queue before the Kafka writer is closed.
	defer engine.Close()

	// ---------- jobs ----------
	scheduler, err := newScheduler(cfg.Purge.Schedule, &purgeJob{
		store:   purger,
		retain:  cfg.Purge.RetainUsed,
		timeout: time.Minute,
		logger:  logger.Named("purge"),
		now:     time.Now,
	}, logger)
	if err != nil {
		return fmt.Errorf("purge schedule: %w", err)
	}

	// ---------- http ----------
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      newServer(engine, logger.Named("http"), cfg.HTTP).routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func openRedis(cfg RedisConfig, logger *zap.Logger) (redis.UniversalClient, func(), error) {
	if cfg.Addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		logger.Warn("no redis addr configured; using embedded miniredis", zap.String("addr", mr.Addr()))
		return client, func() {
			_ = client.Close()
			mr.Close()
		}, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return client, func() { _ = client.Close() }, nil
}

// loadTokenKeys reads the pending-token key pair. Without key files a fresh
// pair is generated, which invalidates outstanding tokens on restart.
func loadTokenKeys(cfg *goMFA.Config, tc TokenSection, logger *zap.Logger) error {
	if tc.PrivateKeyFile == "" && tc.PublicKeyFile == "" {
		if cfg.ProductionMode {
			return errors.New("token key files are required in production mode")
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate token keys: %w", err)
		}
		logger.Warn("no token key files configured; generated an ephemeral ed25519 pair")
		cfg.Token.PrivateKey = priv
		cfg.Token.PublicKey = pub
		return nil
	}

	priv, err := os.ReadFile(tc.PrivateKeyFile)
	if err != nil {
		return fmt.Errorf("read token private key: %w", err)
	}
	pub, err := os.ReadFile(tc.PublicKeyFile)
	if err != nil {
		return fmt.Errorf("read token public key: %w", err)
	}
	cfg.Token.PrivateKey = priv
	cfg.Token.PublicKey = pub
	return nil
}
