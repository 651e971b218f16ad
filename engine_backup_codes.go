package goMFA

import (
	"context"
	"errors"
	"time"

	internalflows "github.com/MrEthical07/goMFA/internal/flows"
	"go.uber.org/zap"
)

// GenerateBackupCodes issues a fresh batch. It fails with
// ErrBackupCodesExist while any unused code remains.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string) (*BackupCodeBatch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	codes, err := internalflows.RunGenerateBackupCodes(ctx, userID, e.backupCodeFlowDeps())
	if err != nil {
		return nil, err
	}
	e.syncBackupCodesCount(ctx, userID, len(codes))
	return &BackupCodeBatch{Codes: codes, Count: len(codes)}, nil
}

// RegenerateBackupCodes discards every stored code and issues a new batch.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) (*BackupCodeBatch, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	codes, err := internalflows.RunRegenerateBackupCodes(ctx, userID, e.backupCodeFlowDeps())
	if err != nil {
		return nil, err
	}
	e.syncBackupCodesCount(ctx, userID, len(codes))
	return &BackupCodeBatch{Codes: codes, Count: len(codes)}, nil
}

// ValidateBackupCode spends code if it matches one of userID's unused codes.
// Malformed, unknown and already spent codes return false.
func (e *Engine) ValidateBackupCode(ctx context.Context, userID, code string) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	ok, err := internalflows.RunValidateBackupCode(ctx, userID, code, e.backupCodeFlowDeps())
	if err != nil || !ok {
		return ok, err
	}
	if _, err := e.BackupCodesUnusedCount(ctx, userID); err != nil {
		e.logger.Warn("backup code count refresh failed", zap.String("user_id", userID), zap.Error(err))
	}
	return true, nil
}

// BackupCodesUnusedCount counts unused codes and refreshes the cached
// count on the user's TwoFactorConfig when one exists.
func (e *Engine) BackupCodesUnusedCount(ctx context.Context, userID string) (int, error) {
	n, err := e.BackupCodesRawUnusedCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	e.syncBackupCodesCount(ctx, userID, n)
	return n, nil
}

// BackupCodesRawUnusedCount counts unused codes without side effects.
func (e *Engine) BackupCodesRawUnusedCount(ctx context.Context, userID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	codes, err := e.store.ListBackupCodes(ctx, userID)
	if err != nil {
		return 0, backendError(err)
	}
	return internalflows.CountUnusedBackupCodes(toBackupCodeRecords(codes)), nil
}

// syncBackupCodesCount is best effort: the count is a cache and a failure
// must not undo an already committed code operation.
func (e *Engine) syncBackupCodesCount(ctx context.Context, userID string, n int) {
	cfg, err := e.store.GetTwoFactorConfig(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			e.logger.Warn("two-factor config lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return
	}
	if cfg.BackupCodesCount == n {
		return
	}
	cfg.BackupCodesCount = n
	cfg.UpdatedAt = e.now().UTC()
	if err := e.store.SaveTwoFactorConfig(ctx, cfg); err != nil {
		e.logger.Warn("two-factor config update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (e *Engine) backupCodeFlowDeps() internalflows.BackupCodeDeps {
	return internalflows.BackupCodeDeps{
		Count: e.config.BackupCodes.Count,
		Cost:  e.config.BackupCodes.HashCost,
		Now:   e.now,
		NewID: e.newID,
		ListBackupCodes: func(ctx context.Context, userID string) ([]internalflows.BackupCodeRecord, error) {
			codes, err := e.store.ListBackupCodes(ctx, userID)
			if err != nil {
				return nil, err
			}
			return toBackupCodeRecords(codes), nil
		},
		CreateBackupCodes: func(ctx context.Context, records []internalflows.BackupCodeRecord, at time.Time) error {
			codes := make([]BackupCode, 0, len(records))
			for _, record := range records {
				codes = append(codes, BackupCode{
					ID:        record.ID,
					UserID:    record.UserID,
					CodeHash:  record.Hash,
					CreatedAt: at.UTC(),
				})
			}
			return e.store.CreateBackupCodes(ctx, codes)
		},
		DeleteBackupCodes: e.store.DeleteBackupCodes,
		MarkBackupCodeUsed: func(ctx context.Context, id string, at time.Time) (bool, error) {
			return e.store.MarkBackupCodeUsed(ctx, id, at.UTC())
		},
		MetricInc: e.flowMetricInc,
		EmitAudit: e.emitAudit,
		Metrics: internalflows.BackupCodeMetrics{
			BackupCodeUsed:        int(MetricBackupCodeUsed),
			BackupCodeFailed:      int(MetricBackupCodeFailed),
			BackupCodeRegenerated: int(MetricBackupCodeRegenerated),
		},
		Events: internalflows.BackupCodeEvents{
			BackupCodesGenerated: auditEventBackupCodesGenerated,
			BackupCodeUsed:       auditEventBackupCodeUsed,
			BackupCodeFailed:     auditEventBackupCodeFailed,
		},
		Errors: internalflows.BackupCodeErrors{
			EngineNotReady: ErrEngineNotReady,
			InvalidInput:   ErrInvalidInput,
			CodesExist:     ErrBackupCodesExist,
			Backend:        ErrBackend,
		},
	}
}

func toBackupCodeRecords(codes []BackupCode) []internalflows.BackupCodeRecord {
	out := make([]internalflows.BackupCodeRecord, 0, len(codes))
	for _, code := range codes {
		out = append(out, internalflows.BackupCodeRecord{
			ID:     code.ID,
			UserID: code.UserID,
			Hash:   code.CodeHash,
			Used:   code.UsedAt != nil,
		})
	}
	return out
}
