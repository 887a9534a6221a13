package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventcore"

// Collector exposes Prometheus metrics for inbound HTTP requests and the
// event lifecycle.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	ingestTotal     *prometheus.CounterVec
	sweepTotal      *prometheus.CounterVec
	transitionTotal *prometheus.CounterVec
}

// NewCollector constructs a collector on a private registry.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "path", "status"})

	ingestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_records_total",
		Help:      "Raw records processed by ingestion, by source and outcome.",
	}, []string{"source", "outcome"})

	sweepTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_operations_total",
		Help:      "Events touched by the retention sweeper, by operation and result.",
	}, []string{"operation", "result"})

	transitionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Lifecycle status transitions, by target status.",
	}, []string{"to"})

	for _, c := range []prometheus.Collector{requestDuration, requestTotal, ingestTotal, sweepTotal, transitionTotal} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	collector := &Collector{
		registry:        registry,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		ingestTotal:     ingestTotal,
		sweepTotal:      sweepTotal,
		transitionTotal: transitionTotal,
	}

	return collector, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordIngest counts one ingested record.
func (c *Collector) RecordIngest(source, outcome string) {
	c.ingestTotal.WithLabelValues(source, outcome).Inc()
}

// RecordSweep adds n events to the given sweep operation and result.
func (c *Collector) RecordSweep(operation, result string, n int) {
	if n <= 0 {
		return
	}
	c.sweepTotal.WithLabelValues(operation, result).Add(float64(n))
}

// RecordTransition counts a status change into the given status.
func (c *Collector) RecordTransition(to string) {
	c.transitionTotal.WithLabelValues(to).Inc()
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
// route labels the request so that path parameters do not explode the
// label cardinality.
func (c *Collector) InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)

		c.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, route, status).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
