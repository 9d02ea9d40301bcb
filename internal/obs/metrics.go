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
)

// Auth domain metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_token_rotations_total",
		Help: "Successful refresh token rotations.",
	})

	revocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_revocations_total",
			Help: "Credential and delegation revocations by scope.",
		},
		[]string{"scope"},
	)

	delegationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_delegation_events_total",
			Help: "Delegation grants and denials.",
		},
		[]string{"action"},
	)

	permCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_permission_cache_total",
			Help: "Permission snapshot cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, tokenRotationsTotal, revocationsTotal,
		delegationEventsTotal, permCacheTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin counts a login attempt. outcome is one of "success",
// "invalid", "rate_limited", "error".
func ObserveLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRotation counts a successful refresh rotation.
func ObserveRotation() {
	tokenRotationsTotal.Inc()
}

// ObserveRevocation counts a revocation. scope is one of "token",
// "all_tokens", "delegation", "all_delegations".
func ObserveRevocation(scope string) {
	revocationsTotal.WithLabelValues(scope).Inc()
}

// ObserveDelegation counts a delegation event. action is "granted" or
// "denied".
func ObserveDelegation(action string) {
	delegationEventsTotal.WithLabelValues(action).Inc()
}

// ObservePermissionCache counts a snapshot cache lookup. result is "hit"
// or "miss".
func ObservePermissionCache(result string) {
	permCacheTotal.WithLabelValues(result).Inc()
}

// Instrument wraps a handler with request count, latency, and in-flight
// tracking. Paths are canonicalized so ids do not explode cardinality.
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

// CanonicalPath collapses path segments that carry identifiers into a
// placeholder label.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/auth/permissions/{id}/revoke
	if len(parts) == 6 && parts[1] == "v1" && parts[2] == "auth" && parts[3] == "permissions" && parts[5] == "revoke" {
		parts[4] = ":id"
		return strings.Join(parts, "/")
	}
	// /v1/auth/users/{id}/...
	if len(parts) >= 5 && parts[1] == "v1" && parts[2] == "auth" && parts[3] == "users" {
		parts[4] = ":id"
		return strings.Join(parts, "/")
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
