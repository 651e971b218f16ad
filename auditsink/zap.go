package auditsink

import (
	"context"

	goMFA "github.com/MrEthical07/goMFA"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes each audit event as one structured log entry. Failed
// outcomes log at warn level.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, event goMFA.AuditEvent) {
	level := zapcore.InfoLevel
	if !event.Success {
		level = zapcore.WarnLevel
	}
	ce := s.logger.Check(level, event.EventType)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, 8+len(event.Metadata))
	fields = append(fields,
		zap.Time("timestamp", event.Timestamp),
		zap.Bool("success", event.Success),
	)
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.PendingID != "" {
		fields = append(fields, zap.String("pending_id", event.PendingID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error_code", event.Error))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	ce.Write(fields...)
}
