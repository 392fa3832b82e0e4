// Package metrics defines the Coordinator's Prometheus collectors. All
// collectors are package-level and registered once at init; callers update
// them directly without plumbing a registry through every constructor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dffmpeg_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AuthRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dffmpeg_auth_rejections_total",
			Help: "Total number of requests rejected by HMAC authentication",
		},
	)

	// Fleet metrics
	JobsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dffmpeg_jobs_total",
			Help: "Number of jobs by state",
		},
		[]string{"state"},
	)

	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dffmpeg_workers_total",
			Help: "Number of registered workers by status",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	JobsAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dffmpeg_jobs_assigned_total",
			Help: "Total number of jobs assigned to workers",
		},
	)

	SchedulerPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dffmpeg_scheduler_pass_duration_seconds",
			Help:    "Duration of one scheduler assignment pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Janitor metrics
	JanitorActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_janitor_actions_total",
			Help: "Total number of rows acted on by the janitor, by sweep",
		},
		[]string{"sweep"},
	)

	// Downlink metrics
	DownlinkSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dffmpeg_downlink_sends_total",
			Help: "Total number of downlink deliveries by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	LongPollWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dffmpeg_longpoll_waiters",
			Help: "Number of long-poll requests currently parked",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(AuthRejections)
	prometheus.MustRegister(JobsByState)
	prometheus.MustRegister(WorkersByStatus)
	prometheus.MustRegister(JobsAssigned)
	prometheus.MustRegister(SchedulerPassDuration)
	prometheus.MustRegister(JanitorActions)
	prometheus.MustRegister(DownlinkSends)
	prometheus.MustRegister(LongPollWaiters)
}

// Handler returns the Prometheus exposition handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
