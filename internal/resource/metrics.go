package resource

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the Monitor's read-only counters as Prometheus gauges,
// a concern the teacher's own build system never needed (a one-shot batch
// build has nobody to scrape it) but which a long-lived task pool
// warrants. Register once per process and attach with WithMetrics.
type Metrics struct {
	current     prometheus.Gauge
	peak        prometheus.Gauge
	utilization prometheus.Gauge
	allocations prometheus.Counter
	releases    prometheus.Counter
}

// NewMetrics creates and registers the gauges/counters on reg. Passing a
// dedicated *prometheus.Registry (rather than the global default) keeps
// repeated test construction from panicking on duplicate registration.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_current",
			Help:      "Number of execution slots currently allocated.",
		}),
		peak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_peak",
			Help:      "Highest number of execution slots ever allocated simultaneously.",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_utilization_percent",
			Help:      "Percentage of the concurrency budget currently in use.",
		}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_allocations_total",
			Help:      "Total number of slot allocations.",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_releases_total",
			Help:      "Total number of slot releases.",
		}),
	}
	reg.MustRegister(m.current, m.peak, m.utilization, m.allocations, m.releases)
	return m
}

func (m *Metrics) observe(current, max, peak int64) {
	m.current.Set(float64(current))
	m.peak.Set(float64(peak))
	if max > 0 {
		m.utilization.Set(100 * float64(current) / float64(max))
	}
}

// IncAllocation and IncRelease let Monitor keep the Counter types
// write-only from its perspective (it never reads them back).
func (m *Metrics) IncAllocation() { m.allocations.Inc() }
func (m *Metrics) IncRelease()    { m.releases.Inc() }
