package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxLabelLen = 64

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics holds the billing instrumentation. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	webhookEvents *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "privatrengoering",
				Subsystem: "billing",
				Name:      "webhook_events_total",
				Help:      "Webhook deliveries by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "privatrengoering",
				Subsystem: "billing",
				Name:      "sessions_total",
				Help:      "Hosted checkout and portal sessions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "privatrengoering",
				Subsystem: "billing",
				Name:      "entitlement_transitions_total",
				Help:      "Applied subscription status transitions",
			},
			[]string{"from", "to"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "privatrengoering",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route pattern and status code class",
			},
			[]string{"route", "code"},
		),
	}
	reg.MustRegister(m.webhookEvents, m.sessions, m.transitions, m.httpRequests)
	return m
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(sanitizeLabel(eventType), sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) Session(kind, outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(sanitizeLabel(kind), sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(sanitizeLabel(from), sanitizeLabel(to)).Inc()
}

func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(sanitizeLabel(route), codeClass(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func codeClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
