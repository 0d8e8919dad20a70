package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Admission metrics
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_admissions_total",
			Help: "Total number of admission decisions by response",
		},
		[]string{"response"},
	)

	AdmissionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_admission_latency_seconds",
			Help:    "Time taken by submit to reach an admission decision in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PostponedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_postponed_tasks",
			Help: "Number of tasks waiting for a conflicting reservation to be released",
		},
	)

	ReservationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_reservations_active",
			Help: "Number of tasks currently holding a resource reservation",
		},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_tasks",
			Help: "Number of tasks in the status store by state",
		},
		[]string{"state"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"state"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Task execution duration in seconds by executor kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	CancelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cancel_requests_total",
			Help: "Total number of cancel requests by result",
		},
		[]string{"result"},
	)

	// Worker metrics
	WorkersOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_workers_online",
			Help: "Number of workers with a recent heartbeat",
		},
	)

	WorkerOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_worker_offline_total",
			Help: "Total number of workers declared offline",
		},
	)

	Recoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_recoveries_total",
			Help: "Total number of tasks resubmitted after their worker was lost",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Number of tasks queued on each worker",
		},
		[]string{"worker"},
	)

	QueueWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_weight",
			Help: "Sum of the weights of tasks queued on each worker",
		},
		[]string{"worker"},
	)

	// History metrics
	ArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_archived_calls_total",
			Help: "Total number of terminal tasks written to history",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AdmissionsTotal)
	prometheus.MustRegister(AdmissionLatency)
	prometheus.MustRegister(PostponedTasks)
	prometheus.MustRegister(ReservationsActive)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(CancelRequests)
	prometheus.MustRegister(WorkersOnline)
	prometheus.MustRegister(WorkerOffline)
	prometheus.MustRegister(Recoveries)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueWeight)
	prometheus.MustRegister(ArchivedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
