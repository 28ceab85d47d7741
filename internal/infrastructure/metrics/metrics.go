package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/influxdb"
)

// namespace prefixes every metric name.
const namespace = "avrbridge"

// Line directions used as the "direction" label.
const (
	DirectionSent      = "sent"
	DirectionReceived  = "received"
	DirectionUnmatched = "unmatched"
)

// Source supplies live values read at scrape time. Nil funcs are skipped.
type Source struct {
	Connected      func() bool
	Reconnects     func() uint64
	PendingQueries func() int
}

// Metrics holds the Prometheus collectors for one site.
//
// Each instance owns its registry, so tests and multiple bridges in one
// process never collide on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	lines         *prometheus.CounterVec
	changes       *prometheus.CounterVec
	propertyValue *prometheus.GaugeVec
	commands      *prometheus.CounterVec
}

// New creates the collectors and registers them, labelled with site.
func New(site string, src Source) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"site": site}

	m := &Metrics{
		registry: reg,
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "lines_total",
			Help:        "Protocol lines exchanged with the receiver.",
			ConstLabels: labels,
		}, []string{"direction"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "property_changes_total",
			Help:        "Property value changes applied to the status store.",
			ConstLabels: labels,
		}, []string{"property"}),
		propertyValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "property_value",
			Help:        "Current value of numeric and boolean properties.",
			ConstLabels: labels,
		}, []string{"property"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "operations_total",
			Help:        "Queries and applies by outcome.",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
	}

	reg.MustRegister(m.lines, m.changes, m.propertyValue, m.commands)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if src.Connected != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "receiver_connected",
			Help:        "1 when the receiver connection is established.",
			ConstLabels: labels,
		}, func() float64 {
			if src.Connected() {
				return 1
			}
			return 0
		}))
	}
	if src.Reconnects != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "receiver_reconnects_total",
			Help:        "Successful reconnections after a lost connection.",
			ConstLabels: labels,
		}, func() float64 {
			return float64(src.Reconnects())
		}))
	}
	if src.PendingQueries != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_queries",
			Help:        "Queries waiting for their answering line.",
			ConstLabels: labels,
		}, func() float64 {
			return float64(src.PendingQueries())
		}))
	}

	// Pre-create direction series so they scrape as 0 before traffic.
	for _, d := range []string{DirectionSent, DirectionReceived, DirectionUnmatched} {
		m.lines.WithLabelValues(d)
	}

	return m
}

// Attach registers the engine hooks that drive the counters.
func (m *Metrics) Attach(eng *engine.Engine) {
	eng.OnLineSent(func(string) { m.Line(DirectionSent) })
	eng.OnLineReceived(func(string) { m.Line(DirectionReceived) })
	eng.OnUnmatched(func(string) { m.Line(DirectionUnmatched) })
	eng.OnChange(m.Change)

	for _, p := range eng.Properties() {
		if v, ok := eng.Get(p.Name); ok {
			m.setValue(p.Name, v)
		}
	}
}

// Line counts one line in direction.
func (m *Metrics) Line(direction string) {
	m.lines.WithLabelValues(direction).Inc()
}

// Change counts a property change and updates its value gauge.
func (m *Metrics) Change(c engine.Change) {
	m.changes.WithLabelValues(c.Property).Inc()
	m.setValue(c.Property, c.Value)
}

// Operation counts a query or apply outcome ("ok" or an error code).
func (m *Metrics) Operation(operation, result string) {
	m.commands.WithLabelValues(operation, result).Inc()
}

// setValue only tracks values Prometheus can represent.
func (m *Metrics) setValue(property string, value any) {
	if v, ok := influxdb.NumericValue(value); ok {
		m.propertyValue.WithLabelValues(property).Set(v)
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
