package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimsGranted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_claims_total", Help: "Leases handed out to workers"})
	ClaimsEmpty      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_no_job_total", Help: "Claim attempts that found no free job"})
	LeasesReleased   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_releases_total", Help: "Leases released with credit"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_leases_reclaimed_total", Help: "Expired leases cleared by the sweep"})
	RecordsAccepted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_records_accepted_total", Help: "Records persisted after verification"})
	RecordsDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_records_dropped_total", Help: "Records dropped by vocabulary or lease filtering"})
	BatchesRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_batches_rejected_total", Help: "Submissions with no valid data"})
	IdentityRewrites = prometheus.NewCounter(prometheus.CounterOpts{Name: "identity_rewrites_total", Help: "Job keys rewritten from username to platform id"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by the submitter rate limiter"})
	JobsTracked      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_jobs_tracked", Help: "Jobs currently in the backlog"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimsGranted,
			ClaimsEmpty,
			LeasesReleased,
			LeasesReclaimed,
			RecordsAccepted,
			RecordsDropped,
			BatchesRejected,
			IdentityRewrites,
			RateLimitRejects,
			JobsTracked,
		)
	})
	return promhttp.Handler()
}
