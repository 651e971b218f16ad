package goMFA

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goMFA/encryption"
	"github.com/MrEthical07/goMFA/jwt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine is the two-factor subsystem. It is built once by Builder and is
// safe for concurrent use; all shared state lives in the stores.
type Engine struct {
	config   Config
	logger   *zap.Logger
	store    CredentialStore
	pending  PendingStore
	crypto   *encryption.Service
	totp     *totpManager
	passkeys PasskeyVerifier
	tokens   *jwt.Manager
	audit    *auditDispatcher
	metrics  *Metrics
	now      func() time.Time
	newID    func() string
}

// Close flushes the audit dispatcher. The stores are owned by the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	_ = e.logger.Sync()
}

// AuditDropped returns the number of audit events dropped because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// PasskeysEnabled reports whether a PasskeyVerifier is configured.
func (e *Engine) PasskeysEnabled() bool {
	return e != nil && e.passkeys != nil
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) flowMetricInc(id int) {
	e.metricInc(MetricID(id))
}

func (e *Engine) observeVerify(start time.Time) {
	if e == nil || e.metrics == nil || !e.metrics.LatencyEnabled() {
		return
	}
	e.metrics.Observe(MetricVerifyLatency, time.Since(start))
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.pending == nil || e.crypto == nil || e.totp == nil {
		return ErrEngineNotReady
	}
	return nil
}

func defaultNewID() string {
	return uuid.NewString()
}

// backendError wraps a store failure into ErrBackend, leaving classified and
// already wrapped errors untouched.
func backendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackend) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRequest) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackend, err)
}

// storeLookup maps ErrRecordNotFound to notFound and wraps anything else.
func storeLookup(err, notFound error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return notFound
	}
	return backendError(err)
}
