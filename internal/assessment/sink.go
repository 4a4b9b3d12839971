package assessment

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mbd888/sessionguard/internal/metrics"
)

// LogSink reports pipeline diagnostics through slog and Prometheus.
// Stage traces are debug-level. A failing rule is counted on every
// occurrence but logged once per rule name.
type LogSink struct {
	logger *slog.Logger
	warned sync.Map
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Stage(name string, attrs ...any) {
	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.logger.Debug("pipeline stage", append([]any{"stage", name}, attrs...)...)
}

func (s *LogSink) RuleFailed(rule string, err error) {
	metrics.RuleFailuresTotal.WithLabelValues(rule).Inc()
	if _, seen := s.warned.LoadOrStore(rule, struct{}{}); seen {
		return
	}
	s.logger.Warn("hard rule failed, treating as not fired", "rule", rule, "error", err)
}
