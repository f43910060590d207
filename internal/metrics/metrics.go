package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"risk-sentinel/internal/pacing"
)

// Metrics holds the process counters exposed on /metrics. Everything is
// registered against an owned registry so repeated construction in tests
// never trips duplicate-registration panics.
type Metrics struct {
	reg *prometheus.Registry

	TickDuration   *prometheus.HistogramVec
	Ticks          *prometheus.CounterVec
	EventsAppended *prometheus.CounterVec
	AlertDecisions *prometheus.CounterVec
	DataAge        prometheus.Gauge
	FeedConnected  prometheus.Gauge
	StreamClients  prometheus.Gauge
}

// New creates the registry with all sentinel metrics plus the standard Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskwatcher_tick_duration_seconds",
				Help:    "Duration of one loop tick in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"loop", "result"},
		),

		Ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatcher_ticks_total",
				Help: "Total loop ticks by outcome",
			},
			[]string{"loop", "result"},
		),

		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatcher_events_appended_total",
				Help: "Events appended to the log by kind",
			},
			[]string{"kind"},
		),

		AlertDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskwatcher_alert_decisions_total",
				Help: "Alert scan decisions by rule and outcome",
			},
			[]string{"rule", "decision"},
		),

		DataAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskwatcher_data_age_seconds",
				Help: "Seconds since the last successfully persisted snapshot",
			},
		),

		FeedConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskwatcher_feed_connected",
				Help: "Whether the last provider fetch succeeded (1) or failed (0)",
			},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskwatcher_stream_clients",
				Help: "Number of currently connected stream clients",
			},
		),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TickDuration,
		m.Ticks,
		m.EventsAppended,
		m.AlertDecisions,
		m.DataAge,
		m.FeedConnected,
		m.StreamClients,
	)
	return m
}

// RegisterPacing exposes the gate's live counters and token levels without
// double-counting: the gate stays the single source of truth and prometheus
// samples it on scrape.
func (m *Metrics) RegisterPacing(stats func() pacing.Stats) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "riskwatcher_pacing_web_tokens",
			Help: "Tokens currently available in the web bucket",
		}, func() float64 { return stats().WebTokens }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "riskwatcher_pacing_historical_tokens",
			Help: "Tokens currently available in the historical bucket",
		}, func() float64 { return stats().HistoricalTokens }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "riskwatcher_pacing_granted_total",
			Help: "Requests the gate let through",
		}, func() float64 { return float64(stats().Granted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "riskwatcher_pacing_suppressed_total",
			Help: "Historical requests skipped by dedupe or burst suppression",
		}, func() float64 { return float64(stats().Suppressed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "riskwatcher_pacing_retries_total",
			Help: "Backoff retries after upstream pacing signals",
		}, func() float64 { return float64(stats().Retries) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "riskwatcher_pacing_violations_total",
			Help: "Requests abandoned after exhausting the retry budget",
		}, func() float64 { return float64(stats().Violations) }),
	)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveTick records one loop iteration.
func (m *Metrics) ObserveTick(loop string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TickDuration.WithLabelValues(loop, result).Observe(time.Since(start).Seconds())
	m.Ticks.WithLabelValues(loop, result).Inc()
}
