package requestlog

import (
	"go.uber.org/zap"

	"github.com/ahrav/go-guardrail/internal/ports"
)

// LogSink writes stages as debug lines on a zap logger. It is the
// fallback when no log directory is configured.
type LogSink struct {
	logger *zap.Logger
}

var _ ports.StageSink = (*LogSink)(nil)

// NewLogSink creates a LogSink that outputs stages to the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("requestlog")}
}

// Begin implements ports.StageSink.
func (s *LogSink) Begin(requestID string) ports.StageLog {
	return &zapLog{logger: s.logger.With(zap.String("request_id", requestID))}
}

type zapLog struct {
	logger *zap.Logger
}

func (l *zapLog) Log(stage string, data any) {
	l.logger.Debug("request_stage",
		zap.String("stage", stage),
		zap.Any("data", data),
	)
}

func (l *zapLog) Close() error { return nil }
