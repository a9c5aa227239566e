package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Queue
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_jobs_total",
			Help: "Campaign job lifecycle events by type (enqueued, active, completed, retried, failed, stalled, lost, error).",
		},
		[]string{"event"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_queue_jobs",
			Help: "Current number of campaign jobs by state.",
		},
		[]string{"state"},
	)

	// Dispatch
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_deliveries_total",
			Help: "Terminal per-recipient outcomes (sent, failed, invalid).",
		},
		[]string{"status"},
	)
	deliveryAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_delivery_attempts_total",
			Help: "Total number of transport send attempts, retries included.",
		},
	)
	dispatchInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "campaign_dispatch_in_flight",
			Help: "Recipient operations currently in flight.",
		},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_dispatch_duration_seconds",
			Help:    "Wall time to dispatch one campaign to all recipients.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			jobsTotal,
			queueDepth,

			deliveriesTotal,
			deliveryAttempts,
			dispatchInFlight,
			dispatchDuration,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Queue ---
func IncJob(event string) { jobsTotal.WithLabelValues(event).Inc() }

func SetQueueDepth(waiting, active, delayed, failed int64) {
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("active").Set(float64(active))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
}

// --- Dispatch ---
func IncDelivery(status string) { deliveriesTotal.WithLabelValues(status).Inc() }
func IncDeliveryAttempt()       { deliveryAttempts.Inc() }

// TrackInFlight marks one recipient operation as started; call the returned func when it ends.
func TrackInFlight() func() {
	dispatchInFlight.Inc()
	return dispatchInFlight.Dec
}

func ObserveDispatch(d time.Duration) { dispatchDuration.Observe(d.Seconds()) }
