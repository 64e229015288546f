package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestTransitions counts lifecycle transitions by target status.
	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradejunco_request_transitions_total",
			Help: "Trade request lifecycle transitions by resulting status",
		},
		[]string{"status"},
	)

	// ExpiredRequests counts requests closed by the expiration sweep.
	ExpiredRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradejunco_expired_requests_total",
			Help: "Requests expired by the monthly sweep",
		},
	)

	// EvidenceUploadDuration tracks the latency of evidence uploads
	EvidenceUploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tradejunco_evidence_upload_duration_seconds",
			Help: "Duration of evidence image uploads in seconds",
			Buckets: []float64{
				0.05, // 50ms
				0.1,  // 100ms
				0.25, // 250ms
				0.5,  // 500ms
				1.0,  // 1s
				2.5,  // 2.5s
				5.0,  // 5s
				10.0, // 10s
			},
		},
		[]string{"status"}, // success or failure
	)
)

// RecordTransition records one lifecycle transition.
func RecordTransition(status string) {
	RequestTransitions.WithLabelValues(status).Inc()
}

// RecordEvidenceUpload records the duration of one evidence upload.
func RecordEvidenceUpload(status string, duration float64) {
	EvidenceUploadDuration.WithLabelValues(status).Observe(duration)
}
