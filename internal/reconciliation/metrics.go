package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileConservationViolations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ojapay",
		Subsystem: "reconciliation",
		Name:      "conservation_violations",
		Help:      "Resolved orders whose ledger entries did not net to zero in the last run.",
	})

	reconcileStuckOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ojapay",
		Subsystem: "reconciliation",
		Name:      "stuck_orders",
		Help:      "Delivered orders still escrowed past the stuck threshold in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ojapay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ojapay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileConservationViolations,
		reconcileStuckOrders,
		reconcileDuration,
		reconcileErrors,
	)
}
