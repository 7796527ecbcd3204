package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// CacheLookups counts orchestrator cache lookups by outcome
	// (hit, miss, stale, bypass).
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_cache_lookups_total",
		Help: "Edge cache lookups by outcome",
	}, []string{"outcome"})

	// DecisionsServed counts decisions served by origin
	// (stored, forced, fresh).
	DecisionsServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_decisions_total",
		Help: "Decisions served by origin",
	}, []string{"origin"})

	// EventsFlushed counts consolidated analytics payloads dispatched.
	EventsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_event_flushes_total",
		Help: "Consolidated analytics payloads dispatched",
	})
)

func Init() {
	prometheus.MustRegister(httpReqs, httpDur, CacheLookups, DecisionsServed, EventsFlushed)
}

// Handler serves the metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// get route pattern if available
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
