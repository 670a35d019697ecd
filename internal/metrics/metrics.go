package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

const namespace = "mdraft"

// Metrics owns the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	conversions        *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	aiRequests         *prometheus.CounterVec
	circuitState       *prometheus.GaugeVec
	queueJobs          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"method", "route"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Conversions finished by engine and status.",
		}, []string{"engine", "status"}),
		conversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Time spent converting a document.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7m
		}, []string{"engine"}),
		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "AI tool runs by tool and outcome.",
		}, []string{"tool", "status"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue job outcomes.",
		}, []string{"status"}),
	}

	m.Registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.conversions,
		m.conversionDuration,
		m.aiRequests,
		m.circuitState,
		m.queueJobs,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Instrument records request counts and latency labelled by the matched
// mux route template, so IDs in paths do not explode cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveConversion records one finished conversion.
func (m *Metrics) ObserveConversion(engine, status string, d time.Duration) {
	if m == nil {
		return
	}
	if engine == "" {
		engine = "unknown"
	}
	m.conversions.WithLabelValues(engine, status).Inc()
	if d > 0 {
		m.conversionDuration.WithLabelValues(engine).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveAI(tool, status string) {
	if m == nil {
		return
	}
	m.aiRequests.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(status).Inc()
}

// SetCircuitState matches the reliability.Registry state-change callback.
func (m *Metrics) SetCircuitState(name string, _, to gobreaker.State) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(name).Set(circuitValue(to))
}

func circuitValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
