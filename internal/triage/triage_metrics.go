package triage

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sentinel/internal/notify"
	"github.com/linnemanlabs/sentinel/internal/report"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	TriageTotal      *prometheus.CounterVec
	TriageDuration   *prometheus.HistogramVec
	ClassifyTotal    *prometheus.CounterVec
	ClassifyDuration prometheus.Histogram
	NotifyTotal      *prometheus.CounterVec
	FlushesTotal     *prometheus.CounterVec
	FlushedRecords   prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_triage_total",
			Help: "Triaged alerts by terminal outcome.",
		}, []string{"outcome"}),
		TriageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_triage_duration_seconds",
			Help:    "Duration of triage units in seconds by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms .. ~0.8s
		}, []string{"outcome"}),
		ClassifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_classify_total",
			Help: "Classifications by predicted class.",
		}, []string{"class"}),
		ClassifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_classify_duration_seconds",
			Help:    "Duration of encode and classify in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us .. ~80ms
		}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_notify_total",
			Help: "Notification deliveries by transport and status.",
		}, []string{"transport", "status"}),
		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_report_flushes_total",
			Help: "Aggregation flushes by result.",
		}, []string{"result"}),
		FlushedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_report_flushed_records_total",
			Help: "Aggregation records consumed by flushes.",
		}),
	}

	reg.MustRegister(
		m.TriageTotal,
		m.TriageDuration,
		m.ClassifyTotal,
		m.ClassifyDuration,
		m.NotifyTotal,
		m.FlushesTotal,
		m.FlushedRecords,
	)

	return m
}

// RegisterStoreGauges exposes the throttle and aggregation store sizes.
func RegisterStoreGauges(reg prometheus.Registerer, throttleEntries, aggregatePending func() int) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sentinel_throttle_entries",
			Help: "Keys currently held in the throttle store.",
		}, func() float64 { return float64(throttleEntries()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sentinel_aggregate_pending",
			Help: "Records waiting for the next aggregation flush.",
		}, func() float64 { return float64(aggregatePending()) }),
	)
}

// EngineHooks returns hooks that record classification metrics.
func (m *Metrics) EngineHooks() EngineHooks {
	return EngineHooks{
		OnClassify: func(class int, d time.Duration) {
			m.ClassifyTotal.WithLabelValues(strconv.Itoa(class)).Inc()
			m.ClassifyDuration.Observe(d.Seconds())
		},
	}
}

// ServiceHooks returns hooks that record triage outcomes.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnOutcome: func(o Outcome, d time.Duration) {
			m.TriageTotal.WithLabelValues(string(o)).Inc()
			m.TriageDuration.WithLabelValues(string(o)).Observe(d.Seconds())
		},
	}
}

// FilteredHook counts alerts dropped by the stream filter.
func (m *Metrics) FilteredHook() func() {
	return func() { m.TriageTotal.WithLabelValues(string(OutcomeFiltered)).Inc() }
}

// NotifyHooks returns dispatcher hooks that count deliveries.
func (m *Metrics) NotifyHooks() notify.Hooks {
	return notify.Hooks{
		OnSend: func(transport, status string) {
			m.NotifyTotal.WithLabelValues(transport, status).Inc()
		},
	}
}

// ReportHooks returns reporter hooks that count flushes.
func (m *Metrics) ReportHooks() report.Hooks {
	return report.Hooks{
		OnFlush: func(result string, n int) {
			m.FlushesTotal.WithLabelValues(result).Inc()
			m.FlushedRecords.Add(float64(n))
		},
	}
}
