package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus instruments. Each daemon owns one
// instance with its own registry so construction is repeatable in tests.
type Metrics struct {
	registry *prometheus.Registry

	settlementJobs     *prometheus.CounterVec
	predictionsScored  prometheus.Counter
	deadLetteredJobs   *prometheus.CounterVec
	retriesScheduled   *prometheus.CounterVec
	backfillRuns       *prometheus.CounterVec
	recoveryActions    *prometheus.CounterVec
	coveragePercentage prometheus.Gauge
	coverageGaps       *prometheus.GaugeVec
	queueDepth         *prometheus.GaugeVec
}

// New creates and registers the pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		settlementJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchpulse_settlement_jobs_total",
				Help: "Settlement jobs processed by outcome",
			},
			[]string{"result"}, // "settled", "skipped", "failed"
		),
		predictionsScored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "matchpulse_predictions_scored_total",
				Help: "Predictions scored during settlement",
			},
		),
		deadLetteredJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchpulse_jobs_dead_lettered_total",
				Help: "Jobs moved to the dead-letter store after exhausting retries",
			},
			[]string{"queue"},
		),
		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchpulse_job_retries_scheduled_total",
				Help: "Failed job attempts that were rescheduled with backoff",
			},
			[]string{"queue"},
		),
		backfillRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchpulse_backfill_runs_total",
				Help: "Backfill sweeps by outcome",
			},
			[]string{"result"}, // "ok", "error"
		),
		recoveryActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchpulse_recovery_actions_total",
				Help: "Manual recovery actions taken through the admin API",
			},
			[]string{"action"}, // "retry", "clear"
		),
		coveragePercentage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "matchpulse_coverage_percentage",
				Help: "Share of upcoming matches with pipeline jobs filed",
			},
		),
		coverageGaps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchpulse_coverage_gaps",
				Help: "Upcoming matches without pipeline jobs, by severity",
			},
			[]string{"severity"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchpulse_queue_depth",
				Help: "Jobs per queue by status",
			},
			[]string{"queue", "status"},
		),
	}

	m.registry.MustRegister(m.settlementJobs)
	m.registry.MustRegister(m.predictionsScored)
	m.registry.MustRegister(m.deadLetteredJobs)
	m.registry.MustRegister(m.retriesScheduled)
	m.registry.MustRegister(m.backfillRuns)
	m.registry.MustRegister(m.recoveryActions)
	m.registry.MustRegister(m.coveragePercentage)
	m.registry.MustRegister(m.coverageGaps)
	m.registry.MustRegister(m.queueDepth)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SettlementJob(result string) {
	m.settlementJobs.WithLabelValues(result).Inc()
}

func (m *Metrics) PredictionsScored(n int) {
	m.predictionsScored.Add(float64(n))
}

func (m *Metrics) JobDeadLettered(queue string) {
	m.deadLetteredJobs.WithLabelValues(queue).Inc()
}

func (m *Metrics) RetryScheduled(queue string) {
	m.retriesScheduled.WithLabelValues(queue).Inc()
}

func (m *Metrics) BackfillRun(result string) {
	m.backfillRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecoveryAction(action string) {
	m.recoveryActions.WithLabelValues(action).Inc()
}

func (m *Metrics) SetCoverage(percentage float64) {
	m.coveragePercentage.Set(percentage)
}

func (m *Metrics) SetCoverageGaps(severity string, n int) {
	m.coverageGaps.WithLabelValues(severity).Set(float64(n))
}

func (m *Metrics) SetQueueDepth(queue, status string, n int) {
	m.queueDepth.WithLabelValues(queue, status).Set(float64(n))
}
