// Package metrics provides Prometheus instrumentation for the execution
// engine and the square-off scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts order executions by ledger, side and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_orders_total",
		Help: "Total order executions",
	}, []string{"ledger", "side", "status"})

	// OrderLatency tracks end-to-end order execution time, price fetch
	// included.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"ledger", "side"})

	// SquareOffsTotal counts sweep outcomes per ledger.
	SquareOffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_square_offs_total",
		Help: "Auto square-off attempts by result",
	}, []string{"ledger", "result"})

	// SweepDuration tracks how long one scheduler sweep takes.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_square_off_sweep_seconds",
		Help:    "Square-off sweep duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"ledger"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
