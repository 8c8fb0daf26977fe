package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions   prometheus.Gauge
	sessionsRestored prometheus.Counter
	sessionsCleared  prometheus.Counter

	storeAppendDuration prometheus.Histogram

	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram
	turnCostUSD  prometheus.Counter

	approvalsTotal   *prometheus.CounterVec
	approvalDuration prometheus.Histogram

	interruptsTotal  prometheus.Counter
	deferredReplaced prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current live session count.",
				},
			),
			sessionsRestored: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_restored_total",
					Help: "Total sessions restored from the store on connect.",
				},
			),
			sessionsCleared: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_cleared_total",
					Help: "Total explicit session clears.",
				},
			),
			storeAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "store_append_duration_seconds",
					Help:    "Message log append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turns_total",
					Help: "Total turns by outcome (done, interrupted, error).",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnCostUSD: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "turn_cost_usd_total",
					Help: "Accumulated turn cost in USD.",
				},
			),
			approvalsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvals_total",
					Help: "Total approval resolutions by outcome (approved, denied, timeout, interrupted).",
				},
				[]string{"outcome"},
			),
			approvalDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "approval_wait_duration_seconds",
					Help:    "Time spent waiting on human approval in seconds.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
				},
			),
			interruptsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "interrupts_total",
					Help: "Total interrupt signals handled.",
				},
			),
			deferredReplaced: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "deferred_messages_replaced_total",
					Help: "Deferred messages overwritten by a newer one before replay.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsRestored,
			m.sessionsCleared,
			m.storeAppendDuration,
			m.turnTotal,
			m.turnDuration,
			m.turnCostUSD,
			m.approvalsTotal,
			m.approvalDuration,
			m.interruptsTotal,
			m.deferredReplaced,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionRestored() {
	getMetrics().sessionsRestored.Inc()
}

func RecordSessionCleared() {
	getMetrics().sessionsCleared.Inc()
}

func RecordStoreAppend(duration time.Duration) {
	getMetrics().storeAppendDuration.Observe(duration.Seconds())
}

func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func RecordTurnCost(costUSD float64) {
	if costUSD > 0 {
		getMetrics().turnCostUSD.Add(costUSD)
	}
}

func RecordApproval(outcome string, waited time.Duration) {
	m := getMetrics()
	m.approvalsTotal.WithLabelValues(outcome).Inc()
	m.approvalDuration.Observe(waited.Seconds())
}

func RecordInterrupt() {
	getMetrics().interruptsTotal.Inc()
}

func RecordDeferredReplaced() {
	getMetrics().deferredReplaced.Inc()
}
