// Package metrics exports allocation outcomes and row state counts to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistakeknot/randomizer/internal/allocation"
	"github.com/mistakeknot/randomizer/internal/core"
)

const namespace = "randomizer"

// Metrics owns a private registry so tests and embedded servers can run
// side by side.
type Metrics struct {
	reg        *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rows       *prometheus.GaugeVec
	censusRuns *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Allocation operations by operation and outcome kind.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in allocation transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows",
			Help:      "Rows per table and lifecycle state, as of the last census.",
		}, []string{"table", "state"}),
		censusRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "census_runs_total",
			Help:      "Row census passes by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.operations,
		m.duration,
		m.rows,
		m.censusRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one engine event. The outcome label is the error kind,
// "ok" on success.
func (m *Metrics) Observe(ev allocation.Event) {
	outcome := "ok"
	if ev.Err != nil {
		outcome = string(core.KindOf(ev.Err))
	}
	m.operations.WithLabelValues(string(ev.Op), outcome).Inc()
	m.duration.WithLabelValues(string(ev.Op)).Observe(ev.Duration.Seconds())
}

// SetRowCounts replaces the gauges of one table.
func (m *Metrics) SetRowCounts(tableID int64, available, reserved, completed int64) {
	table := strconv.FormatInt(tableID, 10)
	m.rows.WithLabelValues(table, string(core.StateAvailable)).Set(float64(available))
	m.rows.WithLabelValues(table, string(core.StateReserved)).Set(float64(reserved))
	m.rows.WithLabelValues(table, string(core.StateCompleted)).Set(float64(completed))
}

func (m *Metrics) resetRows() {
	m.rows.Reset()
}

func (m *Metrics) censusResult(ok bool) {
	if ok {
		m.censusRuns.WithLabelValues("ok").Inc()
		return
	}
	m.censusRuns.WithLabelValues("error").Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
