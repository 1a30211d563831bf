package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every acquisition queue.
// Each queue reports under its stream label. A nil *Metrics records nothing.
type Metrics struct {
	enqueuedTotal *prometheus.CounterVec
	dequeuedTotal *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	depth         *prometheus.GaugeVec
}

// NewMetrics creates the queue collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of samples added to the acquisition queue",
		}, []string{"stream"}),
		dequeuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture",
			Subsystem: "queue",
			Name:      "dequeued_total",
			Help:      "Total number of samples handed to the persister",
		}, []string{"stream"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Total number of samples discarded because the queue was full",
		}, []string{"stream"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "capture",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of samples waiting in the acquisition queue",
		}, []string{"stream"}),
	}

	for _, c := range []prometheus.Collector{m.enqueuedTotal, m.dequeuedTotal, m.droppedTotal, m.depth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) enqueued(stream string, depth int) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(stream).Inc()
	m.depth.WithLabelValues(stream).Set(float64(depth))
}

func (m *Metrics) dequeued(stream string, n, depth int) {
	if m == nil {
		return
	}
	m.dequeuedTotal.WithLabelValues(stream).Add(float64(n))
	m.depth.WithLabelValues(stream).Set(float64(depth))
}

func (m *Metrics) dropped(stream string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(stream).Inc()
}
