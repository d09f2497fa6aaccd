package attachcache

import "github.com/prometheus/client_golang/prometheus"

// Result label values for attachment_cache_requests_total.
const (
	resultHit      = "hit"
	resultStored   = "stored"
	resultRejected = "rejected"
	resultFailed   = "failed"
)

var (
	// cacheReqs counts Cache calls by outcome.
	cacheReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachment_cache_requests_total",
			Help: "Attachment cache lookups by result (hit, stored, rejected, failed).",
		},
		[]string{"result"},
	)

	// cacheBytes sums bytes written to the blob store.
	cacheBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attachment_cache_bytes_total",
			Help: "Total bytes downloaded and stored by the attachment cache.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheReqs, cacheBytes)
}
