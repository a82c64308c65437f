package meter

import (
	"log/slog"

	"github.com/ineyio/visiongate"
)

// LogMeter logs gateway events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ visiongate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmit(e visiongate.AdmitEvent) {
	if e.Allowed {
		m.Logger.Info("admit",
			"bucket", e.Bucket,
			"premium", e.Premium,
			"analysis_type", e.AnalysisType,
		)
	} else {
		m.Logger.Warn("deny",
			"bucket", e.Bucket,
			"premium", e.Premium,
			"reason", e.Reason,
			"analysis_type", e.AnalysisType,
		)
	}
}

func (m *LogMeter) OnOutcome(e visiongate.OutcomeEvent) {
	if e.Success {
		m.Logger.Info("outcome",
			"bucket", e.Bucket,
			"provider", e.Provider,
			"key", e.KeyID,
			"analysis_type", e.AnalysisType,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("outcome_error",
			"bucket", e.Bucket,
			"provider", e.Provider,
			"key", e.KeyID,
			"analysis_type", e.AnalysisType,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
			"kind", e.ErrorKind,
			"error", e.Error,
		)
	}
}
