package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gcomm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gcomm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	collectiveOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gcomm",
			Subsystem: "collective",
			Name:      "ops_total",
			Help:      "Collective operations issued by local ranks.",
		},
		[]string{"op", "success"},
	)
	collectiveBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gcomm",
			Subsystem: "collective",
			Name:      "bytes_total",
			Help:      "Buffer bytes handed to collective operations.",
		},
		[]string{"op"},
	)
	collectiveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gcomm",
			Subsystem: "collective",
			Name:      "duration_seconds",
			Help:      "Collective operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	rendezvousWaits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gcomm",
			Subsystem: "rendezvous",
			Name:      "wait_seconds",
			Help:      "Time spent blocked on rendezvous keys.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "outcome"},
	)
	workerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gcomm",
			Subsystem: "launcher",
			Name:      "workers_total",
			Help:      "Workers joined by the launcher.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			collectiveOps,
			collectiveBytes,
			collectiveDuration,
			rendezvousWaits,
			workerOutcomes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCollective(op string, bytes int, duration time.Duration, success bool) {
	RegisterMetrics()
	collectiveOps.WithLabelValues(op, strconv.FormatBool(success)).Inc()
	if bytes > 0 {
		collectiveBytes.WithLabelValues(op).Add(float64(bytes))
	}
	collectiveDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordRendezvousWait(store, outcome string, duration time.Duration) {
	RegisterMetrics()
	rendezvousWaits.WithLabelValues(store, outcome).Observe(duration.Seconds())
}

func RecordWorker(success bool) {
	RegisterMetrics()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	workerOutcomes.WithLabelValues(outcome).Inc()
}
