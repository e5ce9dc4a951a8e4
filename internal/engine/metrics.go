package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderoom_jobs_total",
			Help: "Total number of finished jobs by language and terminal state.",
		},
		[]string{"language", "state"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderoom_job_duration_seconds",
			Help:    "Sandbox execution time in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"language"},
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderoom_jobs_active",
			Help: "Number of jobs currently executing on this instance.",
		},
	)

	jobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderoom_jobs_reclaimed_total",
			Help: "Jobs whose lease expired and were requeued or failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsActive)
	prometheus.MustRegister(jobsReclaimed)
}
