// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts portfolio operations by op and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crickx_trades_total",
		Help: "Total portfolio operations executed",
	}, []string{"op", "result"})

	// TradeLatency tracks portfolio operation latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crickx_trade_latency_seconds",
		Help:    "Portfolio operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// FeedEventsTotal counts accepted feed events by kind.
	FeedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crickx_feed_events_total",
		Help: "Total feed events accepted into the pipeline",
	}, []string{"kind"})

	// FeedEventsMalformed counts feed messages dropped as malformed.
	FeedEventsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crickx_feed_events_malformed_total",
		Help: "Feed messages dropped as malformed",
	})

	// FeedEventsDuplicate counts re-delivered events absorbed by dedupe.
	FeedEventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crickx_feed_events_duplicate_total",
		Help: "Feed events absorbed by the dedupe cache",
	})

	// FeedReconnects counts feed connection attempts after a drop.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crickx_feed_reconnects_total",
		Help: "Feed reconnect attempts",
	})

	// AutoSellsTotal counts forced sells by reason.
	AutoSellsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crickx_auto_sells_total",
		Help: "Forced sells executed by the settlement engine",
	}, []string{"reason"})

	// ActiveMatches tracks the number of live matches being priced.
	ActiveMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crickx_active_matches",
		Help: "Number of live matches with price state",
	})

	// SubscriberCount tracks connected websocket subscribers.
	SubscriberCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crickx_ws_subscribers",
		Help: "Number of connected websocket subscribers",
	})

	// UpdatesPushed counts updates delivered to subscriber buffers.
	UpdatesPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crickx_ws_updates_pushed_total",
		Help: "Updates handed to subscriber send buffers",
	}, []string{"type"})

	// UpdatesDropped counts updates dropped because a subscriber was slow.
	UpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crickx_ws_updates_dropped_total",
		Help: "Updates dropped due to full subscriber buffers",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crickx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crickx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route count is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
