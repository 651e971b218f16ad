package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
)

func TestBackupCodeSingleClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateBackupCodes(ctx, []goMFA.BackupCode{{ID: "c1", UserID: "u1", CodeHash: "h"}}); err != nil {
		t.Fatalf("CreateBackupCodes failed: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.MarkBackupCodeUsed(ctx, "c1", time.Now()); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one claim, got %d", wins.Load())
	}
}

func TestPurgeUsedBackupCodes(t *testing.T) {
	s := New()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	if err := s.CreateBackupCodes(ctx, []goMFA.BackupCode{
		{ID: "used", UserID: "u1", UsedAt: &old},
		{ID: "fresh", UserID: "u1"},
	}); err != nil {
		t.Fatalf("CreateBackupCodes failed: %v", err)
	}

	n, err := s.PurgeUsedBackupCodes(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeUsedBackupCodes = %d, %v", n, err)
	}
	codes, _ := s.ListBackupCodes(ctx, "u1")
	if len(codes) != 1 || codes[0].ID != "fresh" {
		t.Fatalf("unexpected remaining codes %+v", codes)
	}
}

func TestPasskeyCounterCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreatePasskey(ctx, &goMFA.Passkey{ID: "p1", UserID: "u1", CredentialID: []byte("c"), Counter: 2}); err != nil {
		t.Fatalf("CreatePasskey failed: %v", err)
	}
	if err := s.CreatePasskey(ctx, &goMFA.Passkey{ID: "p2", UserID: "u1", CredentialID: []byte("c")}); !errors.Is(err, goMFA.ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists, got %v", err)
	}
	if ok, _ := s.UpdatePasskeyCounter(ctx, "p1", 1, 3, time.Now()); ok {
		t.Fatal("stale expected counter must not apply")
	}
	if ok, _ := s.UpdatePasskeyCounter(ctx, "p1", 2, 3, time.Now()); !ok {
		t.Fatal("expected counter update")
	}
	if _, err := s.GetTwoFactorConfig(ctx, "u1"); !errors.Is(err, goMFA.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}
