// Package metrics exposes Prometheus gauges/counters/histograms for
// operator visibility into a running session, served on a loopback-only
// HTTP endpoint gated behind --debug.
package metrics

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracewarden_events_processed_total",
			Help: "Total events processed by the pipeline, by kind",
		},
		[]string{"kind"},
	)

	bytesCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracewarden_bytes_captured_total",
			Help: "Total request/response bytes captured, by direction",
		},
		[]string{"direction"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracewarden_pipeline_queue_depth",
			Help: "Current number of events buffered in the pipeline's submit channel",
		},
	)

	costAccumulated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracewarden_cost_accumulated_total",
			Help: "Total estimated cost accumulated, by provider and currency",
		},
		[]string{"provider", "currency"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracewarden_request_duration_seconds",
			Help:    "Duration of proxied AI requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

// RecordEvent increments the events-processed counter for kind.
func RecordEvent(kind string) {
	eventsProcessed.WithLabelValues(kind).Inc()
}

// RecordBytes adds n bytes captured in the given direction ("request" or
// "response").
func RecordBytes(direction string, n int) {
	bytesCaptured.WithLabelValues(direction).Add(float64(n))
}

// SetQueueDepth reports the pipeline's current buffered event count.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordCost adds an observed cost for provider/currency.
func RecordCost(provider, currency string, amount float64) {
	costAccumulated.WithLabelValues(provider, currency).Add(amount)
}

// ObserveRequestDuration records how long a proxied request to provider
// took to complete.
func ObserveRequestDuration(provider string, d time.Duration) {
	requestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Server serves /metrics on a loopback-only listener.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// Start binds 127.0.0.1:port and begins serving /metrics in the background.
// Intentionally loopback-only: these figures are for the operator who owns
// this process, not a network-exposed dashboard.
func Start(port int) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: mux}
	s := &Server{httpServer: srv, listener: ln}
	go srv.Serve(ln)
	return s, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
