// Package metrics provides Prometheus instrumentation for the tangent-relay
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only relay metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the tangent-relay server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	EventsPublishedTotal    *prometheus.CounterVec
	SinkDeliveriesTotal     *prometheus.CounterVec
	SinkFailuresTotal       *prometheus.CounterVec
	ConsentTransitionsTotal *prometheus.CounterVec
	PromptsCoalescedTotal   prometheus.Counter
	FlagResolutionsTotal    *prometheus.CounterVec
	StoreLookupsTotal       *prometheus.CounterVec
	BillingTransitionsTotal *prometheus.CounterVec
	AuthFailuresTotal       prometheus.Counter
	ActiveStreams           *prometheus.GaugeVec
}

// New creates and registers all relay metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tangent_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_events_published_total",
			Help: "Total number of events accepted by the dispatcher.",
		}, []string{"name"}),

		SinkDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_sink_deliveries_total",
			Help: "Total number of events delivered to each sink.",
		}, []string{"sink"}),

		SinkFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_sink_failures_total",
			Help: "Total number of failed sink deliveries.",
		}, []string{"sink"}),

		ConsentTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_consent_transitions_total",
			Help: "Total number of consent status transitions.",
		}, []string{"status"}),

		PromptsCoalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tangent_prompts_coalesced_total",
			Help: "Total number of consent prompt requests resolved from an already-landed decision.",
		}),

		FlagResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_flag_resolutions_total",
			Help: "Total number of effective flag resolutions.",
		}, []string{"variant"}),

		StoreLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_store_lookups_total",
			Help: "Total number of store version lookups.",
		}, []string{"result"}),

		BillingTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tangent_billing_transitions_total",
			Help: "Total number of subscription state transitions.",
		}, []string{"transition"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tangent_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tangent_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsPublishedTotal,
		m.SinkDeliveriesTotal,
		m.SinkFailuresTotal,
		m.ConsentTransitionsTotal,
		m.PromptsCoalescedTotal,
		m.FlagResolutionsTotal,
		m.StoreLookupsTotal,
		m.BillingTransitionsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEventPublished increments the published counter for an event name.
func (m *Metrics) RecordEventPublished(name string) {
	m.EventsPublishedTotal.WithLabelValues(name).Inc()
}

// RecordSinkDelivery increments the delivery counter for a sink.
func (m *Metrics) RecordSinkDelivery(sink string) {
	m.SinkDeliveriesTotal.WithLabelValues(sink).Inc()
}

// RecordSinkFailure increments the failure counter for a sink.
func (m *Metrics) RecordSinkFailure(sink string) {
	m.SinkFailuresTotal.WithLabelValues(sink).Inc()
}

// RecordConsentTransition increments the transition counter for a status.
func (m *Metrics) RecordConsentTransition(status string) {
	m.ConsentTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordFlagResolution increments the resolution counter for a variant.
func (m *Metrics) RecordFlagResolution(variant string) {
	m.FlagResolutionsTotal.WithLabelValues(variant).Inc()
}

// RecordStoreLookup increments the lookup counter with the given result
// ("ahead", "not_ahead", or "error").
func (m *Metrics) RecordStoreLookup(result string) {
	m.StoreLookupsTotal.WithLabelValues(result).Inc()
}

// RecordBillingTransition increments the transition counter.
func (m *Metrics) RecordBillingTransition(transition string) {
	m.BillingTransitionsTotal.WithLabelValues(transition).Inc()
}
