// Package monitoring exposes Prometheus metrics for the run planner and the
// event stream.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"equity-backtest/services/events"
)

// Metrics holds the backtest service metrics.
type Metrics struct {
	RunsStarted  prometheus.Counter
	RunsFinished *prometheus.CounterVec // labels: outcome=complete|failed
	RunDuration  prometheus.Histogram
	RunsActive   prometheus.Gauge
	Queued       prometheus.Gauge
	EventsTotal  *prometheus.CounterVec // labels: type
	OrdersTotal  *prometheus.CounterVec // labels: type
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtest_runs_started_total",
			Help: "Simulations picked up by a worker",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_runs_finished_total",
			Help: "Simulations finished, by outcome",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_run_duration_seconds",
			Help:    "Wall time of one simulation",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_runs_active",
			Help: "Simulations currently running",
		}),
		Queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backtest_queue_depth",
			Help: "Jobs waiting for a worker",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_events_total",
			Help: "Simulation events published, by type",
		}, []string{"type"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backtest_orders_total",
			Help: "Order events, by type",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.RunsStarted, m.RunsFinished, m.RunDuration, m.RunsActive,
		m.Queued, m.EventsTotal, m.OrdersTotal,
	)
	return m
}

func (m *Metrics) RunStarted() {
	m.RunsStarted.Inc()
	m.RunsActive.Inc()
}

func (m *Metrics) RunFinished(elapsed time.Duration, err error) {
	m.RunsActive.Dec()
	m.RunDuration.Observe(elapsed.Seconds())
	outcome := "complete"
	if err != nil {
		outcome = "failed"
	}
	m.RunsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueDepth(n int) { m.Queued.Set(float64(n)) }

// EventCounter returns a listener counting events by type.
func (m *Metrics) EventCounter() events.Listener {
	return events.ListenerFunc(func(e events.Event) {
		m.EventsTotal.WithLabelValues(string(e.EventType())).Inc()
		if o, ok := e.(events.OrderEvent); ok {
			m.OrdersTotal.WithLabelValues(string(o.Type)).Inc()
		}
	})
}
