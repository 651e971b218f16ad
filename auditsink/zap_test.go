package auditsink

import (
	"context"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapSinkLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), goMFA.AuditEvent{
		Timestamp: time.Now(),
		EventType: "mfa_verify_success",
		UserID:    "u1",
		PendingID: "p1",
		Success:   true,
		Metadata:  map[string]string{"method": "totp"},
	})
	sink.Emit(context.Background(), goMFA.AuditEvent{
		Timestamp: time.Now(),
		EventType: "mfa_verify_failure",
		UserID:    "u1",
		Error:     "attempts_exceeded",
	})

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].LoggerName != "audit" {
		t.Fatalf("unexpected success entry %+v", entries[0].Entry)
	}
	fields := entries[0].ContextMap()
	if fields["user_id"] != "u1" || fields["pending_id"] != "p1" || fields["meta.method"] != "totp" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].ContextMap()["error_code"] != "attempts_exceeded" {
		t.Fatalf("unexpected failure entry %+v", entries[1])
	}
}

func TestZapSinkRespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	NewZapSink(zap.New(core)).Emit(context.Background(), goMFA.AuditEvent{EventType: "e", Success: false})
	if logs.Len() != 0 {
		t.Fatalf("expected warn entry filtered, got %d", logs.Len())
	}
}

func TestZapSinkNilLogger(t *testing.T) {
	NewZapSink(nil).Emit(context.Background(), goMFA.AuditEvent{EventType: "e"})
}
