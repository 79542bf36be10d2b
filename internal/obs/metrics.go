package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Sync-domain metrics fed by the queue and resolver.
var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_depth",
		Help: "Number of pending sync queue entries.",
	})

	syncCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_completed_total",
			Help: "Completed sync entries by resulting action.",
		},
		[]string{"action"},
	)

	syncFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_failed_total",
			Help: "Failed sync entries by error kind.",
		},
		[]string{"kind"},
	)

	syncConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflicts_total",
			Help: "Detected conflicts by resolving strategy.",
		},
		[]string{"strategy"},
	)

	deviceAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_admissions_total",
			Help: "Device admission decisions by role and outcome.",
		},
		[]string{"role", "outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		queueDepth, syncCompletedTotal, syncFailedTotal, syncConflictsTotal,
		deviceAdmissionsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
	} else {
		ready.Set(0)
	}
}

// SetQueueDepth records the current number of pending entries.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// IncCompleted counts a terminal COMPLETED transition.
func IncCompleted(action string) {
	syncCompletedTotal.WithLabelValues(action).Inc()
}

// IncFailed counts a terminal FAILED transition.
func IncFailed(kind string) {
	syncFailedTotal.WithLabelValues(kind).Inc()
}

// IncConflict counts a detected conflict attributed to a strategy.
func IncConflict(strategy string) {
	syncConflictsTotal.WithLabelValues(strategy).Inc()
}

// IncDeviceAdmission counts one admission decision.
func IncDeviceAdmission(role, outcome string) {
	deviceAdmissionsTotal.WithLabelValues(role, outcome).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric cardinality stays
// bounded. Only known parameterized routes are rewritten.
func CanonicalPath(raw string) string {
	path := raw
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "devices":
		return "/v1/devices/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "devices":
		return "/v1/devices/:id/" + parts[3]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "entries":
		return "/v1/sync/entries/:id"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "items":
		return "/v1/items/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "items":
		return "/v1/items/:id/" + parts[3]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "missions":
		return "/v1/missions/:id/" + parts[3]
	}
	return path
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
