package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the stream driver.
type Metrics struct {
	LinesTotal   *prometheus.CounterVec
	UnitsTotal   *prometheus.CounterVec
	UnitDuration prometheus.Histogram
	InFlight     prometheus.Gauge
}

// NewMetrics registers and returns stream metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_stream_lines_total",
			Help: "Alert lines read from the stream by filter verdict.",
		}, []string{"result"}),
		UnitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_stream_units_total",
			Help: "Triage units finished by result.",
		}, []string{"result"}),
		UnitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_stream_unit_duration_seconds",
			Help:    "Wall time of triage units in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms .. ~16s
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_stream_units_in_flight",
			Help: "Triage units currently running.",
		}),
	}

	reg.MustRegister(m.LinesTotal, m.UnitsTotal, m.UnitDuration, m.InFlight)
	return m
}

// Hooks returns driver Hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnLine: func(v Verdict) {
			m.LinesTotal.WithLabelValues(string(v)).Inc()
		},
		OnUnitDone: func(result string, d time.Duration) {
			m.UnitsTotal.WithLabelValues(result).Inc()
			m.UnitDuration.Observe(d.Seconds())
		},
		OnInFlight: func(delta int) {
			m.InFlight.Add(float64(delta))
		},
	}
}
