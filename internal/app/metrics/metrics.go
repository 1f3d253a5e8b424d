package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "custody",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "custody",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	scannerHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "custody",
			Subsystem: "scanner",
			Name:      "block_height",
			Help:      "Last fully-processed masterchain block seqno.",
		},
	)

	blocksScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "scanner",
			Name:      "blocks_total",
			Help:      "Total number of blocks scanned.",
		},
	)

	credits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Total number of ticket credits applied.",
		},
		[]string{"type"},
	)

	duplicateCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "ledger",
			Name:      "duplicate_credits_total",
			Help:      "Credit calls short-circuited by the idempotency key.",
		},
	)

	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "sweep",
			Name:      "attempts_total",
			Help:      "Sweep attempts by outcome.",
		},
		[]string{"outcome"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "custody",
			Subsystem: "sweep",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of sweep attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		scannerHeight,
		blocksScanned,
		credits,
		duplicateCredits,
		sweeps,
		sweepDuration,
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

// RecordBlockScanned updates scanner progress metrics.
func RecordBlockScanned(seqno uint64) {
	blocksScanned.Inc()
	scannerHeight.Set(float64(seqno))
}

// RecordCredit records an applied or short-circuited credit.
func RecordCredit(creditType string, alreadyProcessed bool) {
	if alreadyProcessed {
		duplicateCredits.Inc()
		return
	}
	credits.WithLabelValues(creditType).Inc()
}

// RecordSweep records a sweep attempt outcome.
func RecordSweep(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sweeps.WithLabelValues(outcome).Inc()
	sweepDuration.WithLabelValues(outcome).Observe(duration.Seconds())
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

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	prefix := ""
	if parts[0] == "v1" && len(parts) > 1 {
		prefix = "/v1"
		parts = parts[1:]
	}
	switch parts[0] {
	case "users":
		if len(parts) >= 3 {
			return prefix + "/users/:id/" + parts[2]
		}
		return prefix + "/users/:id"
	case "sweeps":
		if len(parts) >= 3 {
			return prefix + "/sweeps/:key/" + parts[2]
		}
		return prefix + "/sweeps/:key"
	default:
		return prefix + "/" + parts[0]
	}
}
