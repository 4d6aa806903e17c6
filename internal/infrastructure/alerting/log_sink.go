package alerting

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/akili-health/akili-backend/internal/domain/alert"
)

// LogSink writes alerts to the structured log. Fatal alerts are logged at
// error level so they surface in log-based paging without killing the process.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Raise(_ context.Context, a alert.Alert) {
	evt := s.logger.Warn()
	if a.Severity == alert.SeverityFatal {
		evt = s.logger.Error()
	}
	evt.Str("severity", string(a.Severity)).
		Str("kind", a.Kind).
		Str("session_id", a.SessionID).
		Msg(a.Message)
}
