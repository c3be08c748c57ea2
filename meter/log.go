// Package meter provides Meter implementations for observing request,
// lock, and sweep activity.
package meter

import (
	"log/slog"

	"github.com/veyra/creditgate"
)

// LogMeter emits one structured log line per event.
type LogMeter struct {
	logger *slog.Logger
}

var _ creditgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter. A nil logger uses slog.Default().
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{logger: logger}
}

func (m *LogMeter) OnRequest(ev creditgate.RequestEvent) {
	m.logger.Info("request started",
		"account", ev.Account,
		"variant", ev.Variant,
		"cost", ev.Cost,
		"reflection", ev.Reflection,
	)
}

func (m *LogMeter) OnResult(ev creditgate.ResultEvent) {
	attrs := []any{
		"account", ev.Account,
		"variant", ev.Variant,
		"outcome", string(ev.Outcome),
		"attempts", ev.Attempts,
		"units", ev.Units,
		"duration", ev.Duration,
	}
	if ev.Refused {
		attrs = append(attrs, "refused", true, "confidence", ev.Confidence)
	}
	if ev.Exhausted {
		attrs = append(attrs, "exhausted", true)
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
		m.logger.Warn("request finished", attrs...)
		return
	}
	m.logger.Info("request finished", attrs...)
}

func (m *LogMeter) OnLock(ev creditgate.LockEvent) {
	switch ev.Kind {
	case creditgate.LockContended:
		m.logger.Debug("lock contended", "account", ev.Account, "age", ev.Age)
	case creditgate.LockReclaimed:
		m.logger.Warn("stale lock reclaimed", "account", ev.Account, "age", ev.Age)
	default:
		m.logger.Debug("lock event", "account", ev.Account, "kind", string(ev.Kind))
	}
}

func (m *LogMeter) OnSweep(ev creditgate.SweepEvent) {
	if ev.Reclaimed == 0 {
		return
	}
	m.logger.Info("lock sweep", "reclaimed", ev.Reclaimed)
}
