package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by all pipelines. A nil
// *Metrics records nothing.
type Metrics struct {
	bytesTotal     *prometheus.CounterVec
	framesTotal    *prometheus.CounterVec
	resyncsTotal   *prometheus.CounterVec
	persistedTotal *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
}

// NewMetrics creates the pipeline collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		}, []string{"stream"})
	}
	m := &Metrics{
		bytesTotal:     counter("bytes_total", "Raw bytes read from the source"),
		framesTotal:    counter("frames_total", "Valid frames decoded"),
		resyncsTotal:   counter("resyncs_total", "Bytes skipped to recover frame alignment"),
		persistedTotal: counter("persisted_total", "Samples written to the sink"),
		failuresTotal:  counter("failures_total", "Pipelines that ended with an error"),
	}
	for _, c := range []prometheus.Collector{m.bytesTotal, m.framesTotal, m.resyncsTotal, m.persistedTotal, m.failuresTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) read(stream string, bytes, frames, resyncs int) {
	if m == nil {
		return
	}
	m.bytesTotal.WithLabelValues(stream).Add(float64(bytes))
	if frames > 0 {
		m.framesTotal.WithLabelValues(stream).Add(float64(frames))
	}
	if resyncs > 0 {
		m.resyncsTotal.WithLabelValues(stream).Add(float64(resyncs))
	}
}

func (m *Metrics) persisted(stream string, n int) {
	if m == nil {
		return
	}
	m.persistedTotal.WithLabelValues(stream).Add(float64(n))
}

func (m *Metrics) failed(stream string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(stream).Inc()
}
