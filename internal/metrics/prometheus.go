// Package metrics exposes catalog counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_runs_total",
			Help: "Total number of feed ingestion runs by terminal status.",
		},
		[]string{"shop", "status"},
	)
	feedRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feed_run_duration_seconds",
			Help:    "Histogram of feed ingestion run durations.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"shop"},
	)
	feedItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_items_total",
			Help: "Feed items processed by outcome.",
		},
		[]string{"shop", "outcome"},
	)
	runsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_runs_rejected_total",
			Help: "Run triggers rejected because the shop already has an active run.",
		},
		[]string{"shop"},
	)
	searchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "search_duration_seconds",
			Help:    "Histogram of search query durations.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"sort", "grouped"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "endpoint", "status"},
	)
)

func init() {
	prometheus.MustRegister(feedRunsTotal)
	prometheus.MustRegister(feedRunDuration)
	prometheus.MustRegister(feedItemsTotal)
	prometheus.MustRegister(runsRejectedTotal)
	prometheus.MustRegister(searchDuration)
	prometheus.MustRegister(httpRequestsTotal)
}

// RecordRun records a finished run and its per-outcome item counts.
func RecordRun(shop, status string, elapsed time.Duration, items map[string]int) {
	feedRunsTotal.WithLabelValues(shop, status).Inc()
	feedRunDuration.WithLabelValues(shop).Observe(elapsed.Seconds())
	for outcome, n := range items {
		if n > 0 {
			feedItemsTotal.WithLabelValues(shop, outcome).Add(float64(n))
		}
	}
}

func RecordRejectedRun(shop string) {
	runsRejectedTotal.WithLabelValues(shop).Inc()
}

func RecordSearch(sort string, grouped bool, elapsed time.Duration) {
	searchDuration.WithLabelValues(sort, strconv.FormatBool(grouped)).Observe(elapsed.Seconds())
}

// RecordRequest counts one HTTP request.
func RecordRequest(method, endpoint string, statusCode int) {
	httpRequestsTotal.WithLabelValues(method, endpoint, classifyStatus(statusCode)).Inc()
}

func classifyStatus(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	}
	return "unknown"
}

// Handler exports the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
