package flows

import (
	"context"
	"errors"
	"time"
)

type PendingRecord struct {
	ID        string
	UserID    string
	Type      string
	Challenge []byte
	ExpiresAt time.Time
	Attempts  uint32
}

type PendingMetrics struct {
	Success  int
	Failure  int
	Expired  int
	Locked   int
	Replayed int
}

type PendingEvents struct {
	Success  string
	Failure  string
	Expired  string
	Locked   string
	Replayed string
}

type PendingErrors struct {
	EngineNotReady error
	NotFound       error
	Expired        error
	TypeMismatch   error
	MaxAttempts    error
}

type PendingDeps struct {
	Now func() time.Time

	// Get must return Errors.NotFound for absent records.
	Get               func(context.Context, string) (*PendingRecord, error)
	IncrementAttempts func(context.Context, string) (uint32, error)
	Delete            func(context.Context, string) (bool, error)

	MetricInc func(int)
	EmitAudit func(context.Context, string, bool, string, string, error, func() map[string]string)

	Metrics PendingMetrics
	Events  PendingEvents
	Errors  PendingErrors
}

// PendingCheck describes one verification against a pending record.
// MaxAttempts <= 0 disables attempt counting. Verify reports whether the
// submitted proof is correct; an error aborts without touching the record.
// Commit runs after the record has been claimed.
type PendingCheck struct {
	PendingID    string
	ExpectedType string
	Method       string
	MaxAttempts  int
	Verify       func(context.Context, *PendingRecord) (bool, error)
	Commit       func(context.Context, *PendingRecord) error
}

type PendingOutcome struct {
	Success           bool
	UserID            string
	AttemptsRemaining int
}

// RunPendingLookup loads a record and enforces type and expiry. An expired
// record is deleted before Errors.Expired is returned.
func RunPendingLookup(ctx context.Context, pendingID, expectedType string, deps PendingDeps) (*PendingRecord, error) {
	normalizePendingDeps(&deps)

	if deps.Get == nil || deps.Delete == nil {
		return nil, deps.Errors.EngineNotReady
	}
	if pendingID == "" {
		return nil, deps.Errors.NotFound
	}

	record, err := deps.Get(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if record.Type != expectedType {
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Events.Failure, false, record.UserID, pendingID, deps.Errors.TypeMismatch, func() map[string]string {
			return map[string]string{"challenge_type": record.Type}
		})
		return nil, deps.Errors.TypeMismatch
	}
	if !deps.Now().Before(record.ExpiresAt) {
		if _, err := deps.Delete(ctx, pendingID); err != nil {
			return nil, err
		}
		deps.MetricInc(deps.Metrics.Expired)
		deps.EmitAudit(ctx, deps.Events.Expired, false, record.UserID, pendingID, deps.Errors.Expired, nil)
		return nil, deps.Errors.Expired
	}

	return record, nil
}

// RunPendingVerification is the shared lifecycle for every challenge type:
// lookup, attempt ceiling, verification, one-shot claim.
func RunPendingVerification(ctx context.Context, check PendingCheck, deps PendingDeps) (PendingOutcome, error) {
	normalizePendingDeps(&deps)

	if check.Verify == nil || (check.MaxAttempts > 0 && deps.IncrementAttempts == nil) {
		return PendingOutcome{}, deps.Errors.EngineNotReady
	}

	record, err := RunPendingLookup(ctx, check.PendingID, check.ExpectedType, deps)
	if err != nil {
		return PendingOutcome{}, err
	}

	remaining := 0
	if check.MaxAttempts > 0 {
		attempts, err := deps.IncrementAttempts(ctx, check.PendingID)
		if err != nil {
			return PendingOutcome{}, err
		}
		record.Attempts = attempts
		if int(attempts) > check.MaxAttempts {
			if _, err := deps.Delete(ctx, check.PendingID); err != nil {
				return PendingOutcome{}, err
			}
			deps.MetricInc(deps.Metrics.Locked)
			deps.EmitAudit(ctx, deps.Events.Locked, false, record.UserID, check.PendingID, deps.Errors.MaxAttempts, methodMetadata(check.Method))
			return PendingOutcome{}, deps.Errors.MaxAttempts
		}
		remaining = check.MaxAttempts - int(attempts)
	}

	ok, err := check.Verify(ctx, record)
	if err != nil {
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Events.Failure, false, record.UserID, check.PendingID, err, methodMetadata(check.Method))
		return PendingOutcome{}, err
	}
	if !ok {
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Events.Failure, false, record.UserID, check.PendingID, nil, methodMetadata(check.Method))
		return PendingOutcome{Success: false, AttemptsRemaining: remaining}, nil
	}

	claimed, err := deps.Delete(ctx, check.PendingID)
	if err != nil {
		return PendingOutcome{}, err
	}
	if !claimed {
		deps.MetricInc(deps.Metrics.Replayed)
		deps.EmitAudit(ctx, deps.Events.Replayed, false, record.UserID, check.PendingID, deps.Errors.NotFound, methodMetadata(check.Method))
		return PendingOutcome{}, deps.Errors.NotFound
	}

	if check.Commit != nil {
		if err := check.Commit(ctx, record); err != nil {
			return PendingOutcome{}, err
		}
	}

	deps.MetricInc(deps.Metrics.Success)
	deps.EmitAudit(ctx, deps.Events.Success, true, record.UserID, check.PendingID, nil, methodMetadata(check.Method))
	return PendingOutcome{Success: true, UserID: record.UserID, AttemptsRemaining: remaining}, nil
}

// IsPendingTerminal reports whether err ended the pending record's life.
func IsPendingTerminal(err error, deps PendingErrors) bool {
	return errors.Is(err, deps.NotFound) || errors.Is(err, deps.Expired) || errors.Is(err, deps.MaxAttempts)
}

func methodMetadata(method string) func() map[string]string {
	if method == "" {
		return nil
	}
	return func() map[string]string {
		return map[string]string{"method": method}
	}
}

func normalizePendingDeps(deps *PendingDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
}
