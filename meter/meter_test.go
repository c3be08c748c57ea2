package meter_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/creditgate"
	"github.com/veyra/creditgate/meter"
)

func TestLogMeterEmitsStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	m.OnRequest(creditgate.RequestEvent{Account: "alice", Variant: "standard", Cost: 1})
	m.OnResult(creditgate.ResultEvent{
		Account: "alice", Variant: "standard",
		Outcome: creditgate.OutcomeCharged, Attempts: 1, Units: 1,
		Duration: 2 * time.Second,
	})
	m.OnLock(creditgate.LockEvent{Account: "alice", Kind: creditgate.LockReclaimed, Age: 70 * time.Second})
	m.OnSweep(creditgate.SweepEvent{Reclaimed: 3})

	out := buf.String()
	assert.Contains(t, out, "request started")
	assert.Contains(t, out, "request finished")
	assert.Contains(t, out, "stale lock reclaimed")
	assert.Contains(t, out, "lock sweep")
	assert.Contains(t, out, "account=alice")
}

func TestLogMeterSkipsEmptySweep(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil)))

	m.OnSweep(creditgate.SweepEvent{Reclaimed: 0})
	assert.Empty(t, buf.String())
}

func TestPromMeterCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPromMeter(reg)

	m.OnRequest(creditgate.RequestEvent{Variant: "standard"})
	m.OnRequest(creditgate.RequestEvent{Variant: "standard"})
	m.OnResult(creditgate.ResultEvent{Variant: "standard", Outcome: creditgate.OutcomeCharged, Refused: true})
	m.OnLock(creditgate.LockEvent{Kind: creditgate.LockAcquired})
	m.OnSweep(creditgate.SweepEvent{Reclaimed: 2})

	assert.Equal(t, float64(2), counterValue(t, reg, "creditgate_requests_total"))
	assert.Equal(t, float64(1), counterValue(t, reg, "creditgate_results_total"))
	assert.Equal(t, float64(1), counterValue(t, reg, "creditgate_refusals_total"))
	assert.Equal(t, float64(1), counterValue(t, reg, "creditgate_lock_events_total"))
	assert.Equal(t, float64(2), counterValue(t, reg, "creditgate_sweep_reclaimed_total"))
}

// counterValue sums a counter family across its label combinations.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
