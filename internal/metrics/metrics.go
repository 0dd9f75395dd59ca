// Package metrics exposes Prometheus collectors for the executor.
//
//   - executor_cycles_total                            trading cycles run
//   - executor_cycle_duration_seconds                  cycle wall time
//   - executor_signals_total{strategy,action}          evaluation outcomes
//   - executor_orders_total{side,result}               order placement results
//   - executor_filter_blocks_total{filter}             entries blocked per filter
//   - executor_advisory_decisions_total{mode,action}   gate decisions
//   - executor_partial_exits_total{trigger}            ladder levels executed
//   - executor_equity                                  last account equity
//   - executor_active_strategies                       strategies being evaluated
//
// Collectors are registered in init() and served at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "executor_cycles_total",
			Help: "Trading cycles run",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "executor_cycle_duration_seconds",
			Help:    "Wall time of one trading cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_signals_total",
			Help: "Strategy evaluation outcomes",
		},
		[]string{"strategy", "action"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_orders_total",
			Help: "Orders sent to the broker",
		},
		[]string{"side", "result"}, // result: filled|rejected|error
	)

	filterBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_filter_blocks_total",
			Help: "Entries blocked by a market filter",
		},
		[]string{"filter"},
	)

	advisoryDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_advisory_decisions_total",
			Help: "Advisory gate decisions",
		},
		[]string{"mode", "action"},
	)

	partialExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_partial_exits_total",
			Help: "Partial exit levels executed",
		},
		[]string{"trigger"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_equity",
			Help: "Last observed account equity",
		},
	)

	activeStrategies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_active_strategies",
			Help: "Strategies currently evaluated each cycle",
		},
	)
)

func init() {
	prometheus.MustRegister(cycles, cycleDuration)
	prometheus.MustRegister(signals, orders, filterBlocks)
	prometheus.MustRegister(advisoryDecisions, partialExits)
	prometheus.MustRegister(equity, activeStrategies)
}

// ObserveCycle records one finished cycle.
func ObserveCycle(d time.Duration) {
	cycles.Inc()
	cycleDuration.Observe(d.Seconds())
}

func IncSignal(strategyID, action string)     { signals.WithLabelValues(strategyID, action).Inc() }
func IncOrder(side, result string)            { orders.WithLabelValues(side, result).Inc() }
func IncFilterBlock(filter string)            { filterBlocks.WithLabelValues(filter).Inc() }
func IncAdvisoryDecision(mode, action string) { advisoryDecisions.WithLabelValues(mode, action).Inc() }
func IncPartialExit(trigger string)           { partialExits.WithLabelValues(trigger).Inc() }
func SetEquity(v float64)                     { equity.Set(v) }
func SetActiveStrategies(n int)               { activeStrategies.Set(float64(n)) }

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
