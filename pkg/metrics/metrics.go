package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue client metrics
	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonmind_jobs_claimed_total",
			Help: "Total number of jobs claimed from the queue",
		},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonmind_jobs_completed_total",
			Help: "Total number of jobs that reached the complete terminal transition",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonmind_jobs_failed_total",
			Help: "Total number of jobs that reached the fail terminal transition, by retryable flag",
		},
		[]string{"retryable"},
	)

	JobsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonmind_jobs_cancelled_total",
			Help: "Total number of jobs that reached the ack-cancel terminal transition",
		},
	)

	QueueRequestErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonmind_queue_request_errors_total",
			Help: "Total number of queue API request failures by operation",
		},
		[]string{"operation"},
	)

	// Stage executor metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moonmind_stage_duration_seconds",
			Help:    "Duration of each stage (prepare/execute/publish) in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"stage"},
	)

	StepAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonmind_step_attempts_total",
			Help: "Total number of step attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Self-heal metrics
	SelfHealResetsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonmind_self_heal_resets_total",
			Help: "Total number of self-heal resets consumed by strategy",
		},
		[]string{"strategy"},
	)

	// Subprocess metrics
	SubprocessWallTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonmind_subprocess_wall_timeouts_total",
			Help: "Total number of subprocess invocations killed by wall-clock timeout",
		},
	)

	SubprocessIdleTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonmind_subprocess_idle_timeouts_total",
			Help: "Total number of subprocess invocations killed by idle timeout",
		},
	)

	SubprocessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moonmind_subprocess_duration_seconds",
			Help:    "Duration of subprocess invocations by runtime adapter",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	// Worker loop metrics
	WorkerHeartbeatFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonmind_worker_heartbeat_failures_total",
			Help: "Total number of heartbeat requests that failed (degraded to warning, never terminal)",
		},
	)

	ArtifactsUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moonmind_artifacts_uploaded_total",
			Help: "Total number of artifacts successfully uploaded to the control plane",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(QueueRequestErrorsTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StepAttemptsTotal)
	prometheus.MustRegister(SelfHealResetsConsumedTotal)
	prometheus.MustRegister(SubprocessWallTimeoutsTotal)
	prometheus.MustRegister(SubprocessIdleTimeoutsTotal)
	prometheus.MustRegister(SubprocessDuration)
	prometheus.MustRegister(WorkerHeartbeatFailuresTotal)
	prometheus.MustRegister(ArtifactsUploadedTotal)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording their duration to a
// histogram once they finish.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
