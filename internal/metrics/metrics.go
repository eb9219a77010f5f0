// Package metrics exposes Prometheus collectors for the scrape safety layer.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapeJobsTotal                *prometheus.CounterVec
	scrapeEngineAttemptsTotal      *prometheus.CounterVec
	scrapeCancellationsTotal       *prometheus.CounterVec
	egressSecurityViolationsTotal  *prometheus.CounterVec
	egressRateLimitDelaysSeconds   *prometheus.HistogramVec
	scrapeRobotsFallbacksTotal     *prometheus.CounterVec
	webhookPublishTotal            *prometheus.CounterVec
	webhookBackpressureWaitSeconds *prometheus.HistogramVec
	webhookConnectAttemptsTotal    *prometheus.CounterVec
	webhookPublisherState          prometheus.Gauge
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Total number of scrape jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		scrapeEngineAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_engine_attempts_total",
				Help: "Engine attempts, labeled by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		)

		scrapeCancellationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_cancellations_total",
				Help: "Cancellations observed by the pipeline, labeled by originating tier.",
			},
			[]string{"tier"},
		)

		egressSecurityViolationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "egress_security_violations_total",
				Help: "Connections terminated by the egress guard, labeled by site.",
			},
			[]string{"site"},
		)

		egressRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "egress_rate_limit_delays_seconds",
				Help:    "Histogram of per-host pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		scrapeRobotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_robots_fallbacks_total",
				Help: "robots.txt probes that fell back to allow-all, labeled by reason.",
			},
			[]string{"reason"},
		)

		webhookPublishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_publish_total",
				Help: "Webhook queue publishes, labeled by event and result.",
			},
			[]string{"event", "result"},
		)

		webhookBackpressureWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_backpressure_wait_seconds",
				Help:    "Time spent waiting for the broker channel to drain.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"outcome"},
		)

		webhookConnectAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_connect_attempts_total",
				Help: "Broker connection attempts, labeled by result.",
			},
			[]string{"result"},
		)

		webhookPublisherState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webhook_publisher_state",
				Help: "Publisher connection state (0 disconnected, 1 connecting, 2 connected, 3 closing).",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// ObserveEngineAttempt records the outcome of one engine attempt.
func ObserveEngineAttempt(engine, outcome string) {
	Init()
	scrapeEngineAttemptsTotal.WithLabelValues(engine, outcome).Inc()
}

// ObserveCancellation records a cancellation attributed to tier.
func ObserveCancellation(tier string) {
	Init()
	scrapeCancellationsTotal.WithLabelValues(tier).Inc()
}

// ObserveSecurityViolation records a connection killed by the egress guard.
func ObserveSecurityViolation(site string) {
	Init()
	egressSecurityViolationsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	egressRateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveRobotsFallback records a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	scrapeRobotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObservePublish records a webhook publish result.
func ObservePublish(event, result string) {
	Init()
	webhookPublishTotal.WithLabelValues(event, result).Inc()
}

// ObserveBackpressureWait records how a drain wait ended and how long it took.
func ObserveBackpressureWait(outcome string, duration time.Duration) {
	Init()
	webhookBackpressureWaitSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveConnectAttempt records one broker connection attempt.
func ObserveConnectAttempt(result string) {
	Init()
	webhookConnectAttemptsTotal.WithLabelValues(result).Inc()
}

// SetPublisherState exports the publisher state as a gauge value.
func SetPublisherState(state int) {
	Init()
	webhookPublisherState.Set(float64(state))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
