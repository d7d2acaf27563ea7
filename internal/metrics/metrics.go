package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Orchestrator / job lifecycle

	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "jobs_finished_total",
		Help:      "Total jobs reaching a terminal status, by outcome.",
	}, []string{"outcome"})

	JobSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "job_slots_in_use",
		Help:      "Number of running-jobs-map entries (including spawn placeholders).",
	})

	JobSlotsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "job_slots_total",
		Help:      "Configured concurrent job slot budget.",
	})

	SpawnLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "spawn_latency_seconds",
		Help:      "Time from popping a PENDING row to the child process starting.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	PurgedJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "purged_jobs_total",
		Help:      "Total completed jobs removed by the retention purger.",
	})

	DSLParseFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "dsl_parse_failures_total",
		Help:      "Total recurrence expressions that failed to parse.",
	})

	LiveTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "live_triggers",
		Help:      "Number of registered recurrence triggers.",
	})

	DaemonResidentMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "daemon_resident_memory_bytes",
		Help:      "Resident memory of the daemon process, as last sampled by tick-events.",
	})

	DaemonStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler",
		Name:      "daemon_start_time_seconds",
		Help:      "Unix timestamp when the orchestrator started.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduler",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobsFinishedTotal,
		JobSlotsInUse,
		JobSlotsTotal,
		SpawnLatency,
		PurgedJobsTotal,
		DSLParseFailuresTotal,
		LiveTriggers,
		DaemonResidentMemoryBytes,
		DaemonStartTime,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
