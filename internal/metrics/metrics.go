// Package metrics exposes Prometheus collectors for the embed crawler.
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
	providerRequestsTotal      *prometheus.CounterVec
	providerRequestSeconds     *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	episodesTotal              *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueJobs                  *prometheus.GaugeVec
	progressAnime              *prometheus.GaugeVec
	recoveryDecisionsTotal     *prometheus.CounterVec
	alertsTotal                *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		providerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedcrawler_provider_requests_total",
				Help: "Provider requests, labeled by endpoint and HTTP status code.",
			},
			[]string{"endpoint", "code"},
		)
		providerRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "embedcrawler_provider_request_duration_seconds",
				Help:    "Provider request latencies, labeled by endpoint.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"endpoint"},
		)
		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "embedcrawler_rate_limit_delays_seconds",
				Help:    "Time spent waiting on request spacing and provider rate limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"host"},
		)
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedcrawler_jobs_total",
				Help: "Scrape jobs finished, labeled by result.",
			},
			[]string{"result"},
		)
		episodesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedcrawler_episodes_total",
				Help: "Episode/track units processed, labeled by track and result.",
			},
			[]string{"track", "result"},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "embedcrawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
		queueJobs = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "embedcrawler_queue_jobs",
				Help: "Jobs in the queue, labeled by state.",
			},
			[]string{"state"},
		)
		progressAnime = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "embedcrawler_progress_anime",
				Help: "Global progress counters, labeled by field.",
			},
			[]string{"field"},
		)
		recoveryDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedcrawler_recovery_decisions_total",
				Help: "Recovery decisions, labeled by failure category and action.",
			},
			[]string{"category", "action"},
		)
		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedcrawler_alerts_total",
				Help: "Alerts raised by the monitor, labeled by kind and level.",
			},
			[]string{"kind", "level"},
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

// SanitizeHost extracts a lowercase hostname, or "unknown".
func SanitizeHost(rawURL string) string {
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
	Init()
	return promhttp.Handler()
}

// ObserveProviderRequest records one provider round trip.
func ObserveProviderRequest(endpoint string, code int, duration time.Duration) {
	Init()
	if endpoint == "" {
		endpoint = "unknown"
	}
	providerRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	providerRequestSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time spent waiting before a request.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given result.
func ObserveJob(result string) {
	Init()
	jobsTotal.WithLabelValues(result).Inc()
}

// ObserveEpisode increments the episode counter.
func ObserveEpisode(track, result string) {
	Init()
	episodesTotal.WithLabelValues(track, result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueJobs publishes the queue depth for one state.
func SetQueueJobs(state string, n int) {
	Init()
	queueJobs.WithLabelValues(state).Set(float64(n))
}

// SetProgress publishes the global progress counters.
func SetProgress(total, completed, failed, pending int) {
	Init()
	progressAnime.WithLabelValues("total").Set(float64(total))
	progressAnime.WithLabelValues("completed").Set(float64(completed))
	progressAnime.WithLabelValues("failed").Set(float64(failed))
	progressAnime.WithLabelValues("pending").Set(float64(pending))
}

// ObserveRecovery counts one recovery decision.
func ObserveRecovery(category, action string) {
	Init()
	recoveryDecisionsTotal.WithLabelValues(category, action).Inc()
}

// ObserveAlert counts one raised alert.
func ObserveAlert(kind, level string) {
	Init()
	alertsTotal.WithLabelValues(kind, level).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
