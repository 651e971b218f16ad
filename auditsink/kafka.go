package auditsink

import (
	"context"
	"encoding/json"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes audit events as JSON messages keyed by user id, so
// one user's events stay ordered within a partition.
type KafkaSink struct {
	writer  MessageWriter
	logger  *zap.Logger
	timeout time.Duration
}

type KafkaOption func(*KafkaSink)

// WithKafkaLogger sets the logger used for publish failures.
func WithKafkaLogger(logger *zap.Logger) KafkaOption {
	return func(s *KafkaSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWriteTimeout bounds each publish. Zero means the caller's context
// alone governs the write.
func WithWriteTimeout(d time.Duration) KafkaOption {
	return func(s *KafkaSink) {
		s.timeout = d
	}
}

func NewKafkaSink(writer MessageWriter, opts ...KafkaOption) *KafkaSink {
	s := &KafkaSink{
		writer:  writer,
		logger:  zap.NewNop(),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("audit.kafka")
	return s
}

// NewKafkaWriter builds a batching writer for topic. Callers close it after
// the engine is closed.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

func (s *KafkaSink) Emit(ctx context.Context, event goMFA.AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal audit event", zap.String("event_type", event.EventType), zap.Error(err))
		return
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("publish audit event",
			zap.String("event_type", event.EventType),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
	}
}
