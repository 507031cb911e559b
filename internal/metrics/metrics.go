package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vendor_dispatch"

// Metrics holds the collectors shared by the API and worker services
type Metrics struct {
	JobsCreated        *prometheus.CounterVec
	JobsFinished       *prometheus.CounterVec
	DispatchAttempts   *prometheus.CounterVec
	RetriesScheduled   *prometheus.CounterVec
	VendorCallDuration *prometheus.HistogramVec
	LimiterWait        *prometheus.HistogramVec
	Webhooks           *prometheus.CounterVec
	InFlight           prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		JobsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs accepted by the API, by vendor.",
		}, []string{"vendor"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status, by vendor and status.",
		}, []string{"vendor", "status"}),
		DispatchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Outbound vendor calls, by vendor and outcome.",
		}, []string{"vendor", "outcome"}),
		RetriesScheduled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Dispatch retries scheduled after a vendor failure.",
		}, []string{"vendor"}),
		VendorCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vendor_call_duration_seconds",
			Help:      "Latency of outbound vendor calls, excluding rate limiter wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"vendor"}),
		LimiterWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limiter_wait_seconds",
			Help:      "Time spent waiting for a vendor rate limiter token.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"vendor"}),
		Webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound vendor notifications, by outcome.",
		}, []string{"outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_in_flight_jobs",
			Help:      "Jobs currently being processed by this worker.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by route and status code.",
		}, []string{"route", "code"}),
	}
}

// NewNop returns collectors registered with a throwaway registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
