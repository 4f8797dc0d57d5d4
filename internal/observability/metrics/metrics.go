package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "alarmcenter_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	applyTotal    *prometheus.CounterVec
	applyLatency  *prometheus.HistogramVec
	rulesCreated  prometheus.Counter
	targetsFailed *prometheus.CounterVec

	transitionsTotal *prometheus.CounterVec

	triggerTotal *prometheus.CounterVec

	reconcileCycles  *prometheus.CounterVec
	storeOccurrences prometheus.Gauge

	notificationsTotal *prometheus.CounterVec
	escalationsTotal   prometheus.Counter

	exportTotal *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		applyTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "template_apply_total",
				Help: "Total template apply calls by result",
			},
			[]string{"result"},
		)
		applyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "template_apply_latency_seconds",
				Help:    "Template apply latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		rulesCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "rules_created_total",
				Help: "Total alarm rules created by template applies",
			},
		)
		targetsFailed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "apply_target_failures_total",
				Help: "Total per-target apply failures by reason",
			},
			[]string{"reason"},
		)

		transitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "occurrence_transitions_total",
				Help: "Total occurrence state transitions by action and result",
			},
			[]string{"action", "result"},
		)

		triggerTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "trigger_events_total",
				Help: "Total evaluator trigger events by outcome",
			},
			[]string{"outcome"},
		)

		reconcileCycles = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_cycles_total",
				Help: "Total reconciliation cycles by result",
			},
			[]string{"result"},
		)
		storeOccurrences = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "session_store_occurrences",
				Help: "Occurrences currently held in the session store",
			},
		)

		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total alarm notifications by channel and result",
			},
			[]string{"channel", "result"},
		)
		escalationsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "escalations_total",
				Help: "Total escalation level increments",
			},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_export_total",
				Help: "Total occurrence history exports by format and result",
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			applyTotal,
			applyLatency,
			rulesCreated,
			targetsFailed,
			transitionsTotal,
			triggerTotal,
			reconcileCycles,
			storeOccurrences,
			notificationsTotal,
			escalationsTotal,
			exportTotal,
		)

		if db != nil {
			registerDBGauge(db, logger)
		}
	})
}

// ObserveApply records apply duration and result.
func ObserveApply(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if applyTotal != nil {
		applyTotal.WithLabelValues(result).Inc()
	}
	if applyLatency != nil {
		applyLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddRulesCreated increments the created-rule counter.
func AddRulesCreated(count int) {
	if rulesCreated != nil && count > 0 {
		rulesCreated.Add(float64(count))
	}
}

// IncTargetFailure increments per-target apply failures.
func IncTargetFailure(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if targetsFailed != nil {
		targetsFailed.WithLabelValues(reason).Inc()
	}
}

// IncTransition increments transition counter by action and result.
func IncTransition(action, result string) {
	if action == "" {
		action = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if transitionsTotal != nil {
		transitionsTotal.WithLabelValues(action, result).Inc()
	}
}

// IncTrigger increments trigger event counter by outcome.
func IncTrigger(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if triggerTotal != nil {
		triggerTotal.WithLabelValues(outcome).Inc()
	}
}

// IncReconcileCycle increments reconciliation cycle counter.
func IncReconcileCycle(result string) {
	if result == "" {
		result = resultSuccess
	}
	if reconcileCycles != nil {
		reconcileCycles.WithLabelValues(result).Inc()
	}
}

// SetStoreOccurrences sets the session store size gauge.
func SetStoreOccurrences(count int) {
	if storeOccurrences != nil {
		storeOccurrences.Set(float64(count))
	}
}

// IncNotification increments notification counter by channel and result.
func IncNotification(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(channel, result).Inc()
	}
}

// IncEscalation increments the escalation counter.
func IncEscalation() {
	if escalationsTotal != nil {
		escalationsTotal.Inc()
	}
}

// IncExport increments history export counter by format and result.
func IncExport(format, result string) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
}

// registerDBGauge polls the backing store for open occurrences.
func registerDBGauge(db *sql.DB, logger *log.Logger) {
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "open_occurrences_db",
			Help: "Open occurrences counted directly from the backing store",
		},
		func() float64 {
			var count int
			row := db.QueryRow(`SELECT COUNT(*) FROM alarm_occurrences WHERE state IN ('active', 'acknowledged')`)
			if err := row.Scan(&count); err != nil {
				if logger != nil {
					logger.Printf("open occurrence gauge scan error: %v", err)
				}
				return 0
			}
			return float64(count)
		},
	)
	prometheus.MustRegister(gauge)
}
