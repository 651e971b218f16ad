package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type backupCodePurger interface {
	PurgeUsedBackupCodes(ctx context.Context, before time.Time) (int64, error)
}

// purgeJob deletes backup codes spent longer than retain ago.
type purgeJob struct {
	store   backupCodePurger
	retain  time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func (j *purgeJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	cutoff := j.now().Add(-j.retain)
	n, err := j.store.PurgeUsedBackupCodes(ctx, cutoff)
	if err != nil {
		j.logger.Error("purge used backup codes", zap.Error(err))
		return
	}
	j.logger.Info("purged used backup codes", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
}

func newScheduler(schedule string, job cron.Job, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddJob(schedule, job); err != nil {
		return nil, err
	}
	logger.Info("scheduled backup code purge", zap.String("schedule", schedule))
	return c, nil
}
