package allocation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of the allocation service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests   *prometheus.CounterVec
	duration   prometheus.Histogram
	lookups    *prometheus.HistogramVec
	efficiency prometheus.Histogram
	farms      prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "villagewater",
			Name:      "optimize_requests_total",
			Help:      "Allocation batches by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "villagewater",
			Name:      "optimize_duration_seconds",
			Help:      "End-to-end time of an allocation batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		lookups: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "villagewater",
			Name:      "lookup_duration_seconds",
			Help:      "Crop water predictor calls by outcome.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		efficiency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "villagewater",
			Name:      "efficiency_score",
			Help:      "Village efficiency score (percent of reservoir allocated).",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		farms: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "villagewater",
			Name:      "batch_farms",
			Help:      "Farms per allocation batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.lookups, m.efficiency, m.farms)
	}
	return m
}

func (m *Metrics) observeBatch(outcome string, farms int, took time.Duration, efficiency float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
	if farms > 0 {
		m.farms.Observe(float64(farms))
	}
	if outcome == OutcomeOK {
		m.efficiency.Observe(efficiency)
	}
}

func (m *Metrics) observeLookup(err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.lookups.WithLabelValues(outcome).Observe(took.Seconds())
}
