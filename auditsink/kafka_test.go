package auditsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	deadline bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func TestKafkaSinkPublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	sink.Emit(context.Background(), goMFA.AuditEvent{
		Timestamp: ts,
		EventType: "mfa_backup_code_used",
		UserID:    "u1",
		Success:   true,
	})

	if len(w.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.messages))
	}
	msg := w.messages[0]
	if string(msg.Key) != "u1" || !msg.Time.Equal(ts) {
		t.Fatalf("unexpected key/time %q %v", msg.Key, msg.Time)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "mfa_backup_code_used" {
		t.Fatalf("unexpected headers %+v", msg.Headers)
	}
	var decoded goMFA.AuditEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.EventType != "mfa_backup_code_used" || decoded.UserID != "u1" || !decoded.Success {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if !w.deadline {
		t.Fatal("expected publish bounded by the write timeout")
	}
}

func TestKafkaSinkLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	w := &fakeWriter{err: errors.New("broker down")}
	sink := NewKafkaSink(w, WithKafkaLogger(zap.New(core)), WithWriteTimeout(0))

	sink.Emit(context.Background(), goMFA.AuditEvent{EventType: "mfa_disabled", UserID: "u1"})

	if logs.Len() != 1 {
		t.Fatalf("expected one warning, got %d", logs.Len())
	}
	if w.deadline {
		t.Fatal("zero timeout must not add a deadline")
	}
}

func TestKafkaSinkNilWriter(t *testing.T) {
	NewKafkaSink(nil).Emit(context.Background(), goMFA.AuditEvent{EventType: "e"})
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "mfa-audit")
	defer w.Close()
	if w.Topic != "mfa-audit" || w.Addr.String() != "localhost:9092" {
		t.Fatalf("unexpected writer %s %s", w.Topic, w.Addr.String())
	}
}
