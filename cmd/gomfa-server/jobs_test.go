package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPurger struct {
	before time.Time
	err    error
}

func (p *recordingPurger) PurgeUsedBackupCodes(_ context.Context, before time.Time) (int64, error) {
	p.before = before
	return 4, p.err
}

func TestPurgeJobUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	core, logs := observer.New(zapcore.InfoLevel)
	p := &recordingPurger{}

	(&purgeJob{store: p, retain: 24 * time.Hour, timeout: time.Second, logger: zap.New(core), now: func() time.Time { return now }}).Run()

	if !p.before.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected cutoff %v", p.before)
	}
	if logs.FilterMessage("purged used backup codes").Len() != 1 {
		t.Fatal("expected purge log entry")
	}
}

func TestPurgeJobLogsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := &recordingPurger{err: errors.New("db down")}

	(&purgeJob{store: p, timeout: time.Second, logger: zap.New(core), now: time.Now}).Run()

	if logs.FilterMessage("purge used backup codes").Len() != 1 {
		t.Fatal("expected failure log entry")
	}
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := newScheduler("every tuesday", &purgeJob{}, zap.NewNop()); err == nil {
		t.Fatal("expected invalid cron spec rejection")
	}
	c, err := newScheduler("@hourly", &purgeJob{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newScheduler failed: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one entry, got %d", len(c.Entries()))
	}
}
