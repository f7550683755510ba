package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

	readiness = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readiness",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Voting metrics. Labels never carry election content or identities.
var (
	CredentialsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credentials_issued_total",
		Help: "Voting credentials minted.",
	})
	CredentialRequestsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_requests_rejected_total",
		Help: "Credential requests refused, by ineligibility reason.",
	}, []string{"reason"})
	CredentialValidations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credential_validations_total",
		Help: "Credential validation attempts, by outcome.",
	}, []string{"outcome"})
	BallotsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ballots_enqueued_total",
		Help: "Ballots accepted and published to the queue.",
	})
	BallotsEnqueueFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ballots_enqueue_failed_total",
		Help: "Ballots whose credential was consumed but could not be queued.",
	})
	BallotsPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ballots_persisted_total",
		Help: "Queue messages acknowledged by the persister, by result.",
	}, []string{"result"})
	BallotsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ballots_dead_lettered_total",
		Help: "Queue messages routed to the dead-letter store, by reason.",
	}, []string{"reason"})
	BallotPersistRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ballot_persist_retries_total",
		Help: "Queue messages released for redelivery after a transient failure.",
	})
	AuditAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Audit events that could not be stored.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readiness,
			CredentialsIssued, CredentialRequestsRejected, CredentialValidations,
			BallotsEnqueued, BallotsEnqueueFailed, BallotsPersisted,
			BallotsDeadLettered, BallotPersistRetries, AuditAppendFailures,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the last readiness probe outcome.
func SetReady(ok bool) {
	if ok {
		readiness.Set(1)
		return
	}
	readiness.Set(0)
}

// Instrument measures request rate, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "elections":
			parts[2] = ":id"
			if len(parts) > 4 && parts[3] != "results" {
				return raw
			}
		case "ballots":
			if len(parts) == 3 {
				parts[2] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the instrumented writer.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
