package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpichat_turns_total",
			Help: "Total number of conversation turns by outcome.",
		},
		[]string{"outcome"},
	)
	missingSlotTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpichat_missing_slot_total",
			Help: "Total number of turns that left a slot unfilled, by slot.",
		},
		[]string{"slot"},
	)
	unsupportedKPITotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kpichat_unsupported_kpi_total",
			Help: "Total number of requests for KPIs outside the catalog.",
		},
	)
	queryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kpichat_query_duration_seconds",
			Help:    "Warehouse query latency by KPI.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kpi"},
	)
	queryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kpichat_query_failures_total",
			Help: "Total number of failed warehouse queries by KPI.",
		},
		[]string{"kpi"},
	)
	dimensionTruncationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kpichat_dimension_truncations_total",
			Help: "Total number of dimension listings cut off at the value cap.",
		},
	)
	exportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kpichat_exports_total",
			Help: "Total number of CSV exports published.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		missingSlotTotal,
		unsupportedKPITotal,
		queryDurationSeconds,
		queryFailuresTotal,
		dimensionTruncationsTotal,
		exportsTotal,
	)
}

// ObserveTurn records one resolver pass: its outcome plus every slot it
// still reported missing.
func ObserveTurn(outcome string, missing []string) {
	turnsTotal.WithLabelValues(outcome).Inc()
	for _, slot := range missing {
		missingSlotTotal.WithLabelValues(slot).Inc()
	}
}

func IncrementUnsupportedKPI() {
	unsupportedKPITotal.Inc()
}

func ObserveQuery(kpi string, elapsed time.Duration, err error) {
	if err != nil {
		queryFailuresTotal.WithLabelValues(kpi).Inc()
		return
	}
	queryDurationSeconds.WithLabelValues(kpi).Observe(elapsed.Seconds())
}

func IncrementDimensionTruncation() {
	dimensionTruncationsTotal.Inc()
}

func IncrementExport() {
	exportsTotal.Inc()
}
