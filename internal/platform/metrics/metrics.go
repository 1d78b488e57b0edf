// Package metrics provides Prometheus metrics for the record store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds all record store metrics.
type Metrics struct {
	Operations    *prometheus.CounterVec
	CodecDuration *prometheus.HistogramVec
	PatientsOpen  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them with reg. A nil reg gets a fresh
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medstore_operations_total",
			Help: "Record store operations by name and outcome",
		}, []string{"op", "outcome"}),
		CodecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medstore_codec_duration_seconds",
			Help:    "Time spent encoding or decoding encrypted containers",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		PatientsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medstore_patients_loaded",
			Help: "Patient bundles currently held in memory",
		}),
		gatherer: reg,
	}

	reg.MustRegister(m.Operations, m.CodecDuration, m.PatientsOpen)
	return m
}

// Observe counts one operation. Safe on a nil receiver.
func (m *Metrics) Observe(op string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

// ObserveCodec records how long an encode or decode took. Safe on a nil
// receiver.
func (m *Metrics) ObserveCodec(op string, started time.Time) {
	if m == nil {
		return
	}
	m.CodecDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// SetPatients updates the in-memory patient gauge. Safe on a nil receiver.
func (m *Metrics) SetPatients(n int) {
	if m == nil {
		return
	}
	m.PatientsOpen.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler for the registry these metrics
// were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
