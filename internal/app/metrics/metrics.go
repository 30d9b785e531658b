package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reflections"

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

	upstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Calls to external collaborators by outcome.",
		},
		[]string{"service", "operation", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "call_duration_seconds",
			Help:      "Duration of calls to external collaborators.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		},
		[]string{"service", "operation"},
	)

	notifierEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "events_total",
			Help:      "Ledger award notifications by result (delivered, failed, dropped).",
		},
		[]string{"result"},
	)

	oaaSnapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oaa",
			Name:      "snapshots_total",
			Help:      "Reflection snapshots forwarded to OAA by result (sent, failed, dropped).",
		},
		[]string{"result"},
	)

	streamPollers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "pollers",
			Help:      "Active per-handle live state pollers.",
		},
	)

	streamListeners = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "listeners",
			Help:      "Open live state subscriptions.",
		},
	)

	streamTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "ticks_total",
			Help:      "Poller ticks by event type.",
		},
		[]string{"type"},
	)

	feedPosts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "posts_total",
			Help:      "Reflections appended to the feed.",
		},
	)

	xpGranted = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "xp_granted",
			Help:      "XP granted per companion exchange.",
			Buckets:   []float64{5, 10, 20, 30, 40, 50},
		},
	)

	unlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "economy",
			Name:      "unlocks_total",
			Help:      "Companion unlock attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		upstreamCalls,
		upstreamDuration,
		notifierEvents,
		oaaSnapshots,
		streamPollers,
		streamListeners,
		streamTicks,
		feedPosts,
		xpGranted,
		unlocks,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Paths are labelled with the matched mux route template when available.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := routePath(r)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.Status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordUpstreamCall records one call to the ledger, LLM or classifier.
func RecordUpstreamCall(service, operation string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	upstreamCalls.WithLabelValues(service, operation, outcome).Inc()
	upstreamDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordNotification records an award notification result.
func RecordNotification(result string) {
	notifierEvents.WithLabelValues(result).Inc()
}

// RecordSnapshot records the outcome of one OAA snapshot.
func RecordSnapshot(result string) {
	oaaSnapshots.WithLabelValues(result).Inc()
}

func PollerStarted() { streamPollers.Inc() }
func PollerStopped() { streamPollers.Dec() }

func ListenerAdded()   { streamListeners.Inc() }
func ListenerRemoved() { streamListeners.Dec() }

// RecordTick counts a poller emission of the given event type.
func RecordTick(eventType string) {
	streamTicks.WithLabelValues(eventType).Inc()
}

func RecordPost() { feedPosts.Inc() }

func RecordXP(xp int) { xpGranted.Observe(float64(xp)) }

// RecordUnlock records an unlock attempt; result is one of
// unlocked, already_unlocked, insufficient, failed.
func RecordUnlock(result string) {
	unlocks.WithLabelValues(result).Inc()
}

// StatusRecorder captures the response status while keeping streaming
// (Flusher) and upgrade (Hijacker) support of the wrapped writer.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *StatusRecorder) Write(b []byte) (int, error) {
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.Status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return canonicalPath(r.URL.Path)
}

// canonicalPath keeps label cardinality bounded for unmatched routes.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/api/" + parts[1]
}
