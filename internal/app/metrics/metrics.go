package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dws"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	registryNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "nodes",
			Help:      "Registered nodes by health state.",
		},
		[]string{"health"},
	)

	registryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "health_transitions_total",
			Help:      "Node health transitions, by resulting state and cause.",
		},
		[]string{"to", "cause"},
	)

	registryHeartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Heartbeats accepted from nodes.",
		},
	)

	provisionerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "operations_total",
			Help:      "Provisioning operations by kind and outcome.",
		},
		[]string{"kind", "result"},
	)

	provisionerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "operation_duration_seconds",
			Help:      "Duration of provisioning operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind"},
	)

	provisionerFailovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "failovers_total",
			Help:      "Leader failovers, by outcome (promoted or leaderless).",
		},
		[]string{"result"},
	)

	discoveryQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "queries_total",
			Help:      "Discovery queries by type and response code.",
		},
		[]string{"type", "rcode"},
	)

	discoveryRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "records",
			Help:      "Records currently held in the discovery table.",
		},
	)

	sweeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Health sweep runs by outcome.",
		},
		[]string{"success"},
	)

	sweeperDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of health sweep runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		registryNodes,
		registryTransitions,
		registryHeartbeats,
		provisionerOps,
		provisionerDuration,
		provisionerFailovers,
		discoveryQueries,
		discoveryRecords,
		sweeperRuns,
		sweeperDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// SetNodeCounts publishes the number of nodes in each health state.
func SetNodeCounts(healthy, unhealthy, unknown int) {
	registryNodes.WithLabelValues("healthy").Set(float64(healthy))
	registryNodes.WithLabelValues("unhealthy").Set(float64(unhealthy))
	registryNodes.WithLabelValues("unknown").Set(float64(unknown))
}

// RecordHealthTransition counts a node moving into state `to`.
func RecordHealthTransition(to, cause string) {
	if cause == "" {
		cause = "unspecified"
	}
	registryTransitions.WithLabelValues(to, cause).Inc()
}

// RecordHeartbeat counts an accepted heartbeat.
func RecordHeartbeat() {
	registryHeartbeats.Inc()
}

// RecordProvisioning records a provisioner or deployer operation.
func RecordProvisioning(kind string, duration time.Duration, err error) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	provisionerOps.WithLabelValues(kind, result).Inc()
	provisionerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordFailover counts a leader failover attempt.
func RecordFailover(promoted bool) {
	result := "leaderless"
	if promoted {
		result = "promoted"
	}
	provisionerFailovers.WithLabelValues(result).Inc()
}

// RecordQuery counts a discovery query and its response code.
func RecordQuery(queryType, rcode string) {
	if queryType == "" {
		queryType = "unknown"
	}
	discoveryQueries.WithLabelValues(queryType, rcode).Inc()
}

// SetRecordCount publishes the size of the discovery table.
func SetRecordCount(n int) {
	discoveryRecords.Set(float64(n))
}

// RecordSweep records a health sweep run.
func RecordSweep(duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sweeperRuns.WithLabelValues(strconv.FormatBool(success)).Inc()
	sweeperDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrader take over instrumented connections.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

var staticSegments = map[string]struct{}{
	"v1": {}, "nodes": {}, "services": {}, "stateful": {}, "workers": {},
	"dns": {}, "resolve": {}, "records": {}, "watch": {},
	"heartbeat": {}, "health": {}, "scale": {}, "healthz": {}, "metrics": {},
	"catalogue": {}, "sweep": {}, "audit": {},
}

// canonicalPath collapses ids and names so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, part := range parts {
		if _, ok := staticSegments[part]; !ok {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
