// Package metrics exposes the daemon's Prometheus counters on a private
// registry. All methods are safe on a nil *Metrics so components can be
// constructed without instrumentation in tests.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "conversa"

// Metrics groups every collector the daemon registers.
type Metrics struct {
	registry *prometheus.Registry

	inbound      *prometheus.CounterVec
	applied      *prometheus.CounterVec
	busDrops     *prometheus.CounterVec
	outbound     *prometheus.CounterVec
	stale        prometheus.Counter
	reconnects   prometheus.Counter
	uploads      *prometheus.CounterVec
	uploadBytes  prometheus.Counter
	unconfirmed  prometheus.Counter
	requestTimes *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_frames_total",
			Help: "Realtime frames read from the socket, by event and outcome.",
		}, []string{"event", "outcome"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_applied_total",
			Help: "Events applied to the conversation store, by event and result.",
		}, []string{"event", "result"}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_dropped_total",
			Help: "Bus deliveries skipped because a subscriber buffer was full.",
		}, []string{"namespace"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_frames_total",
			Help: "Realtime frames handed to the socket writer, by event and outcome.",
		}, []string{"event", "outcome"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stale_responses_total",
			Help: "Async responses discarded because the active conversation changed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "socket_reconnects_total",
			Help: "Successful socket reconnections.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "uploads_total",
			Help: "Attachment uploads, by outcome.",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "upload_bytes_total",
			Help: "Bytes of attachments uploaded successfully.",
		}),
		unconfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_unconfirmed_total",
			Help: "Sends whose echo did not arrive within the echo timeout.",
		}),
		requestTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rest_request_seconds",
			Help:    "REST request latency, by method and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		m.inbound, m.applied, m.busDrops, m.outbound, m.stale, m.reconnects,
		m.uploads, m.uploadBytes, m.unconfirmed, m.requestTimes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) InboundFrame(event, outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Applied(event, result string) {
	if m == nil {
		return
	}
	m.applied.WithLabelValues(event, result).Inc()
}

func (m *Metrics) BusDropped(ns string) {
	if m == nil {
		return
	}
	m.busDrops.WithLabelValues(ns).Inc()
}

func (m *Metrics) OutboundFrame(event, outcome string) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) StaleResponse() {
	if m == nil {
		return
	}
	m.stale.Inc()
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Upload(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) SendUnconfirmed() {
	if m == nil {
		return
	}
	m.unconfirmed.Inc()
}

func (m *Metrics) ObserveRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	class := "error"
	if code > 0 {
		class = string(rune('0'+code/100)) + "xx"
	}
	m.requestTimes.WithLabelValues(method, class).Observe(d.Seconds())
}

// Server serves /metrics on a TCP address.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds a server for addr. It does not listen until Start.
func NewServer(addr string, m *Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start listens and serves in the background. The bind error, if any, is
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics listener started", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
