package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API.
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// AssignmentOutcomes counts assignment attempts by outcome:
	// committed, conflict_retry, no_eligible, error.
	AssignmentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_assignments_total", Help: "Assignment attempts by outcome."},
		[]string{"outcome"},
	)
	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dispatch_assignment_duration_seconds", Help: "End-to-end assignment latency.", Buckets: prometheus.DefBuckets},
	)
	CandidatesScored = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "dispatch_candidates_scored", Help: "Candidates scored per assignment.", Buckets: []float64{1, 2, 5, 10, 20, 50, 100}},
	)

	TravelLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "travel_lookups_total", Help: "Travel estimates by source."},
		[]string{"source"}, // cache, provider, fallback
	)

	SyncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sync_items_total", Help: "Offline sync items by outcome."},
		[]string{"outcome"}, // applied, duplicate, conflict, manual_review, abandoned
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers all collectors on the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(AssignmentOutcomes)
		Registry.MustRegister(AssignmentDuration)
		Registry.MustRegister(CandidatesScored)
		Registry.MustRegister(TravelLookups)
		Registry.MustRegister(SyncItems)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
