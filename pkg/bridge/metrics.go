package bridge

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// recorder holds the Prometheus metrics for provider calls.
type recorder struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fallbackTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
}

//nolint:gochecknoglobals // Prometheus collectors register once per process
var (
	recorderOnce sync.Once
	sharedRec    *recorder
)

// getRecorder returns the process-wide metrics recorder, creating it on
// first use. promauto registration panics on duplicates, so creation is
// guarded with sync.Once.
func getRecorder() *recorder {
	recorderOnce.Do(func() {
		sharedRec = &recorder{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "workdeck_provider_requests_total",
					Help: "Total number of provider requests by provider, model, status, and error type",
				},
				[]string{"provider", "model", "status", "error_type"},
			),
			requestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "workdeck_provider_request_duration_seconds",
					Help:    "Duration of provider requests in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider", "model"},
			),
			fallbackTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "workdeck_provider_fallback_total",
					Help: "Total number of fallback transitions between providers",
				},
				[]string{"from", "to"},
			),
			queueWaitTime: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "workdeck_provider_queue_wait_seconds",
					Help:    "Time spent waiting for a provider concurrency slot",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
		}
	})
	return sharedRec
}

func (r *recorder) observeRequest(provider, model string, err error, errorType string, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	} else {
		errorType = ""
	}
	r.requestsTotal.WithLabelValues(provider, model, status, errorType).Inc()
	r.requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

func (r *recorder) incFallback(from, to string) {
	r.fallbackTotal.WithLabelValues(from, to).Inc()
}

func (r *recorder) observeQueueWait(provider string, duration time.Duration) {
	r.queueWaitTime.WithLabelValues(provider).Observe(duration.Seconds())
}
