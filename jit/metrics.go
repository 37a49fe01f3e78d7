package jit

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a set of Prometheus counters a Fn reports cache activity to.
// Metrics are opt-in via WithMetrics — a Fn with no Metrics attached
// runs with zero collector overhead.
type Metrics struct {
	Hits     prometheus.Counter
	Misses   prometheus.Counter
	Compiles prometheus.Counter
}

// NewMetrics builds a Metrics under the given namespace, unregistered.
// Call Register to attach it to a prometheus.Registerer.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jit",
			Name:      "cache_hits_total",
			Help:      "Number of jit calls served from the compiled-jaxpr cache.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jit",
			Name:      "cache_misses_total",
			Help:      "Number of jit calls that found no cached jaxpr for their signature.",
		}),
		Compiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jit",
			Name:      "compiles_total",
			Help:      "Number of times a jit-wrapped function was traced to a new jaxpr.",
		}),
	}
}

// Register attaches m's collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Hits, m.Misses, m.Compiles} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
