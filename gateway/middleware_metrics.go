package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var middlewareLog = logging.Logger("rawgw/gateway/middleware")

// middlewareMetrics holds the collectors shared by the HTTP middleware.
//
// gw_responses_total{code="XXX"}
//   - counter of ALL HTTP responses by status code, including the ones
//     written by middleware (429 only comes from the request limiter)
//
// gw_concurrent_requests
//   - gauge of requests currently being processed
type middlewareMetrics struct {
	httpResponsesTotal *prometheus.CounterVec
	concurrentRequests prometheus.Gauge
}

func newMiddlewareMetrics(reg prometheus.Registerer) *middlewareMetrics {
	return &middlewareMetrics{
		httpResponsesTotal: registerOrGetMetric(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "ipfs",
					Subsystem: "http",
					Name:      "gw_responses_total",
					Help:      "Total number of HTTP responses sent by the gateway, labeled by status code.",
				},
				[]string{"code"},
			),
			"gw_responses_total",
			reg,
		).(*prometheus.CounterVec),

		concurrentRequests: registerOrGetMetric(
			prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "ipfs",
					Subsystem: "http",
					Name:      "gw_concurrent_requests",
					Help:      "Number of HTTP requests currently being processed by the gateway.",
				},
			),
			"gw_concurrent_requests",
			reg,
		).(prometheus.Gauge),
	}
}

func (m *middlewareMetrics) recordResponse(code int) {
	m.httpResponsesTotal.With(prometheus.Labels{"code": strconv.Itoa(code)}).Inc()
}

func (m *middlewareMetrics) incConcurrentRequests() {
	m.concurrentRequests.Inc()
}

func (m *middlewareMetrics) decConcurrentRequests() {
	m.concurrentRequests.Dec()
}

// withResponseMetrics wraps an http.Handler to record response status codes
func withResponseMetrics(handler http.Handler, metrics *middlewareMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mrw := &metricsResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK, // Default to StatusOK if WriteHeader not called
		}

		handler.ServeHTTP(mrw, r)

		// 429s are counted by the limiter itself
		if mrw.statusCode != http.StatusTooManyRequests {
			metrics.recordResponse(mrw.statusCode)
		}
	})
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker if the underlying ResponseWriter supports it
func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("ResponseWriter does not support hijacking")
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (w *metricsResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// registerOrGetMetric is a helper that registers a Prometheus metric and handles AlreadyRegisteredError
func registerOrGetMetric(metric prometheus.Collector, name string, reg prometheus.Registerer) prometheus.Collector {
	if err := reg.Register(metric); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		middlewareLog.Errorf("failed to register %s: %v", name, err)
	}
	return metric
}
