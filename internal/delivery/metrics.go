package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the dispatcher's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	deliveries    *prometheus.CounterVec
	deactivations prometheus.Counter
	mediaFetches  *prometheus.CounterVec
	lastCycle     prometheus.Gauge
	ledgerSize    prometheus.Gauge
}

// NewMetrics registers collectors on reg. A nil reg yields unregistered
// collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowdbot",
			Name:      "dispatch_cycles_total",
			Help:      "Dispatch cycles by result",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crowdbot",
			Name:      "dispatch_cycle_duration_seconds",
			Help:      "Duration of dispatch cycles in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowdbot",
			Name:      "deliveries_total",
			Help:      "Post deliveries by status",
		}, []string{"status"}),
		deactivations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdbot",
			Name:      "recipient_deactivations_total",
			Help:      "Recipients deactivated after becoming unreachable",
		}),
		mediaFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowdbot",
			Name:      "media_fetches_total",
			Help:      "Media downloads by result; cache hits are not counted",
		}, []string{"result"}),
		lastCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "crowdbot",
			Name:      "dispatch_last_cycle_timestamp_seconds",
			Help:      "Unix time of the last completed dispatch cycle",
		}),
		ledgerSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "crowdbot",
			Name:      "ledger_recipients",
			Help:      "Recipients with delivery history in memory",
		}),
	}
}

func (m *Metrics) observeCycle(rep Report) {
	if m == nil {
		return
	}
	result := "ok"
	if rep.FailedSends > 0 || rep.Panics > 0 {
		result = "partial"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(rep.Duration.Seconds())
	m.lastCycle.Set(float64(rep.FinishedAt.Unix()))
}

func (m *Metrics) incDelivery(status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
}

func (m *Metrics) incDeactivation() {
	if m == nil {
		return
	}
	m.deactivations.Inc()
}

func (m *Metrics) incMediaFetch(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.mediaFetches.WithLabelValues("ok").Inc()
		return
	}
	m.mediaFetches.WithLabelValues("error").Inc()
}

func (m *Metrics) setLedgerSize(n int) {
	if m == nil {
		return
	}
	m.ledgerSize.Set(float64(n))
}

