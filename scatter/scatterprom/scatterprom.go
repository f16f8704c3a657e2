// Package scatterprom exports scatter-round metrics to Prometheus. It is
// one implementation of scatter.Instrument; the engine itself stays
// metrics-agnostic.
package scatterprom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gomlx/vecscatter/scatter"
)

// Metrics implements scatter.Instrument with Prometheus counters.
type Metrics struct {
	begins *prometheus.CounterVec
	ends   *prometheus.CounterVec
	merged prometheus.Counter
	bytes  *prometheus.CounterVec
}

var _ scatter.Instrument = (*Metrics)(nil)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		begins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecscatter_begins_total",
			Help: "Scatter rounds begun.",
		}, []string{"direction", "mode"}),
		ends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecscatter_ends_total",
			Help: "Scatter rounds completed.",
		}, []string{"direction", "mode"}),
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vecscatter_merged_total",
			Help: "Scatter rounds that completed entirely within Begin.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vecscatter_bytes_total",
			Help: "Bytes moved by scatter rounds (sent, received and locally copied).",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.begins, m.ends, m.merged, m.bytes)
	return m
}

// ScatterBegin implements scatter.Instrument.
func (m *Metrics) ScatterBegin(info scatter.Info) {
	m.begins.WithLabelValues(info.Direction.String(), info.Mode.String()).Inc()
	m.bytes.WithLabelValues(info.Direction.String()).Add(float64(info.Bytes))
}

// ScatterEnd implements scatter.Instrument.
func (m *Metrics) ScatterEnd(info scatter.Info) {
	m.ends.WithLabelValues(info.Direction.String(), info.Mode.String()).Inc()
	if info.Merged {
		m.merged.Inc()
	}
}
