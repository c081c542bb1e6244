// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted   *prometheus.CounterVec
	orderRejections   *prometheus.CounterVec
	fillsApplied      prometheus.Counter
	ordersCancelled   prometheus.Counter
	alertsRaised      *prometheus.CounterVec
	mandatePasses     prometheus.Counter
	killSwitchRuns    *prometheus.CounterVec
	tradingHalted     prometheus.Gauge
	subscribers       prometheus.Gauge
	subscribersPruned prometheus.Counter
	eventsPublished   *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_orders_submitted_total",
			Help: "Orders accepted into PENDING, by side.",
		}, []string{"side"}),
		orderRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_order_rejections_total",
			Help: "Order submissions refused, by reason.",
		}, []string{"reason"}),
		fillsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_fills_applied_total",
			Help: "Fills applied to orders.",
		}),
		ordersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_orders_cancelled_total",
			Help: "Orders transitioned to CANCELLED.",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_alerts_raised_total",
			Help: "Alerts raised, by severity.",
		}, []string{"severity"}),
		mandatePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_mandate_passes_total",
			Help: "Mandate evaluation passes run by the monitor.",
		}),
		killSwitchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_kill_switch_executions_total",
			Help: "Kill switch invocations, by outcome.",
		}, []string{"outcome"}),
		tradingHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_trading_halted",
			Help: "1 while the global trading halt is set.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_event_subscribers",
			Help: "Live event stream subscribers.",
		}),
		subscribersPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "controlplane_event_subscribers_pruned_total",
			Help: "Subscribers dropped after a failed delivery.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_events_published_total",
			Help: "Events published to the fan-out, by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersSubmitted,
		m.orderRejections,
		m.fillsApplied,
		m.ordersCancelled,
		m.alertsRaised,
		m.mandatePasses,
		m.killSwitchRuns,
		m.tradingHalted,
		m.subscribers,
		m.subscribersPruned,
		m.eventsPublished,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OrderSubmitted(side string) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(side).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.orderRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) FillApplied() {
	if m == nil {
		return
	}
	m.fillsApplied.Inc()
}

func (m *Metrics) OrdersCancelled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ordersCancelled.Add(float64(n))
}

func (m *Metrics) AlertRaised(severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(severity).Inc()
}

func (m *Metrics) MandatePass() {
	if m == nil {
		return
	}
	m.mandatePasses.Inc()
}

func (m *Metrics) KillSwitch(outcome string) {
	if m == nil {
		return
	}
	m.killSwitchRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.tradingHalted.Set(1)
		return
	}
	m.tradingHalted.Set(0)
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SubscriberPruned() {
	if m == nil {
		return
	}
	m.subscribersPruned.Inc()
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}
