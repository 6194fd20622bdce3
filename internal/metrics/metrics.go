// Package metrics exposes delivery-layer Prometheus instrumentation and
// the /metrics HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_sends_total",
			Help: "Total number of outbound message send attempts.",
		},
		[]string{"outcome"},
	)
	acksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_acks_total",
			Help: "Total number of server acknowledgements matched.",
		},
	)
	resendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_resends_total",
			Help: "Total number of backoff-scheduled resend attempts.",
		},
	)
	resendExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_resend_exhausted_total",
			Help: "Total number of messages that exhausted their resend budget.",
		},
	)
	droppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_dropped_events_total",
			Help: "Total number of internal bus events dropped on full subscriber buffers.",
		},
		[]string{"kind"},
	)
	inboundFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_inbound_frames_total",
			Help: "Total number of inbound wire frames routed.",
		},
		[]string{"event"},
	)
	connectionUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_connection_up",
			Help: "Whether the realtime connection is currently open (1) or not (0).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sendsTotal,
		acksTotal,
		resendsTotal,
		resendExhaustedTotal,
		droppedEventsTotal,
		inboundFramesTotal,
		connectionUp,
	)
}

func IncSend(outcome string) {
	sendsTotal.WithLabelValues(outcome).Inc()
}

func IncAck() {
	acksTotal.Inc()
}

func IncResend() {
	resendsTotal.Inc()
}

func IncResendExhausted() {
	resendExhaustedTotal.Inc()
}

func IncDroppedEvent(kind string) {
	droppedEventsTotal.WithLabelValues(kind).Inc()
}

func IncInboundFrame(event string) {
	inboundFramesTotal.WithLabelValues(event).Inc()
}

func SetConnectionUp(up bool) {
	if up {
		connectionUp.Set(1)
	} else {
		connectionUp.Set(0)
	}
}

// Server serves the Prometheus scrape endpoint. A zero-value address
// disables it.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, logger *zap.Logger) *Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start binds and serves in the background. The bind happens synchronously
// so a bad address fails startup instead of logging later.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("metrics endpoint listening", zap.String("addr", s.srv.Addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
