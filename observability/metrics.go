package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Block outcomes.
const (
	OutcomeVerified   = "verified"
	OutcomeSkipped    = "skipped"
	OutcomeNoSigner   = "no_signer"
	DocumentLoaded    = "loaded"
	DocumentLoadError = "load_error"
)

// Metrics holds the pipeline and HTTP collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Signature blocks by outcome
	BlocksProcessed *prometheus.CounterVec

	// Verdicts by reason
	Verdicts *prometheus.CounterVec

	// Identity fields by field name and resolving tier
	IdentityResolutions *prometheus.CounterVec

	// Documents by load status
	Documents *prometheus.CounterVec

	DocumentDuration prometheus.Histogram

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Passing a fresh
// prometheus.NewRegistry() keeps instances independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BlocksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigident_signature_blocks_total",
			Help: "Signature blocks processed by outcome",
		}, []string{"outcome"}), // verified, skipped, no_signer

		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigident_verdicts_total",
			Help: "Signature verdicts by reason",
		}, []string{"reason"}),

		IdentityResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigident_identity_resolutions_total",
			Help: "Identity fields by field and resolving tier",
		}, []string{"field", "tier"}),

		Documents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigident_documents_total",
			Help: "Documents processed by load status",
		}, []string{"status"}),

		DocumentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigident_document_duration_seconds",
			Help:    "Duration of whole-document verification",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to 8s
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sigident_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "status_code"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigident_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"route"}),
	}
}

// IncrementBlock records the outcome of one signature block.
func (m *Metrics) IncrementBlock(outcome string) {
	if m != nil {
		m.BlocksProcessed.WithLabelValues(outcome).Inc()
	}
}

// IncrementVerdict records a verdict reason.
func (m *Metrics) IncrementVerdict(reason string) {
	if m != nil {
		m.Verdicts.WithLabelValues(reason).Inc()
	}
}

// IncrementIdentity records which tier resolved an identity field.
func (m *Metrics) IncrementIdentity(field, tier string) {
	if m != nil {
		m.IdentityResolutions.WithLabelValues(field, tier).Inc()
	}
}

// ObserveDocument records a processed document.
func (m *Metrics) ObserveDocument(status string, d time.Duration) {
	if m != nil {
		m.Documents.WithLabelValues(status).Inc()
		m.DocumentDuration.Observe(d.Seconds())
	}
}

// ObserveHTTPRequest records a served request.
func (m *Metrics) ObserveHTTPRequest(route, statusCode string, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, statusCode).Inc()
		m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
	}
}
