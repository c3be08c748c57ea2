package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/veyra/creditgate"
)

// PromMeter exposes request, lock, and sweep activity as Prometheus
// metrics.
type PromMeter struct {
	requests       *prometheus.CounterVec
	results        *prometheus.CounterVec
	refusals       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	lockEvents     *prometheus.CounterVec
	sweepReclaimed prometheus.Counter
}

var _ creditgate.Meter = (*PromMeter)(nil)

// NewPromMeter registers the metrics on reg. A nil registerer uses the
// default registry.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PromMeter{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_requests_total",
			Help: "Requests accepted for processing.",
		}, []string{"variant", "reflection"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_results_total",
			Help: "Finished requests by credit outcome.",
		}, []string{"variant", "outcome"}),
		refusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_refusals_total",
			Help: "Refusal classifications, split by whether retries were exhausted.",
		}, []string{"variant", "exhausted"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creditgate_request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"variant"}),
		lockEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "creditgate_lock_events_total",
			Help: "Lock lifecycle events.",
		}, []string{"kind"}),
		sweepReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "creditgate_sweep_reclaimed_total",
			Help: "Stale locks reclaimed by the background sweeper.",
		}),
	}
}

func (m *PromMeter) OnRequest(ev creditgate.RequestEvent) {
	m.requests.WithLabelValues(ev.Variant, boolLabel(ev.Reflection)).Inc()
}

func (m *PromMeter) OnResult(ev creditgate.ResultEvent) {
	m.results.WithLabelValues(ev.Variant, string(ev.Outcome)).Inc()
	if ev.Refused {
		m.refusals.WithLabelValues(ev.Variant, boolLabel(ev.Exhausted)).Inc()
	}
	m.duration.WithLabelValues(ev.Variant).Observe(ev.Duration.Seconds())
}

func (m *PromMeter) OnLock(ev creditgate.LockEvent) {
	m.lockEvents.WithLabelValues(string(ev.Kind)).Inc()
}

func (m *PromMeter) OnSweep(ev creditgate.SweepEvent) {
	m.sweepReclaimed.Add(float64(ev.Reclaimed))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
