// Package metrics provides Prometheus metrics for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all bridge metrics
type Metrics struct {
	FramesReceived     *prometheus.CounterVec
	DecodeErrors       prometheus.Counter
	ValidationFailures *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	DeliveryDuration   prometheus.Histogram
	WriteBacks         *prometheus.CounterVec
	OutboundForwarded  *prometheus.CounterVec
	CDAGenerated       *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_frames_received_total",
			Help: "Total MLLP frames received, by message family",
		}, []string{"family"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7_decode_errors_total",
			Help: "Total inbound frames that could not be decoded",
		}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_validation_failures_total",
			Help: "Total resources failing a compliance check",
		}, []string{"resource_type"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_deliveries_total",
			Help: "Total resource deliveries, by outcome",
		}, []string{"resource_type", "outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hl7_delivery_duration_seconds",
			Help:    "Resource delivery duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		WriteBacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_write_backs_total",
			Help: "Total SIU write-back messages built, by trigger event",
		}, []string{"event"}),
		OutboundForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_outbound_forwarded_total",
			Help: "Total outbound messages forwarded to the HIS, by outcome",
		}, []string{"outcome"}),
		CDAGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cda_documents_generated_total",
			Help: "Total CDA generation attempts, by outcome",
		}, []string{"outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.FramesReceived,
		m.DecodeErrors,
		m.ValidationFailures,
		m.Deliveries,
		m.DeliveryDuration,
		m.WriteBacks,
		m.OutboundForwarded,
		m.CDAGenerated,
		m.BreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for g, or the default
// gatherer when g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
