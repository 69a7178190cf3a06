package interceptors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/xuthority/identity-service/internal/infra/telemetry"
)

const (
	callUnary  = "unary"
	callStream = "stream"
)

// GRPCMetricsOptions controls construction of gRPC metrics collectors.
type GRPCMetricsOptions struct {
	Registerer prometheus.Registerer
	Buckets    []float64
}

// GRPCMetrics instruments the identity gRPC server. Long-lived streams such as Health/Watch
// are counted when they end, their duration is the stream lifetime.
type GRPCMetrics struct {
	handled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewGRPCMetrics registers the identity_grpc_* collectors.
func NewGRPCMetrics(opts GRPCMetricsOptions) (*GRPCMetrics, error) {
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(0.001, 4, 8)
	}

	handled, err := telemetry.RegisterCollector(opts.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "grpc",
		Name:      "handled_total",
		Help:      "Completed gRPC calls partitioned by service, method, call type and status code.",
	}, []string{"service", "method", "type", "code"}))
	if err != nil {
		return nil, fmt.Errorf("grpc handled: %w", err)
	}

	duration, err := telemetry.RegisterCollector(opts.Registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "identity",
		Subsystem: "grpc",
		Name:      "handling_seconds",
		Help:      "gRPC call duration partitioned by service, method and call type.",
		Buckets:   buckets,
	}, []string{"service", "method", "type"}))
	if err != nil {
		return nil, fmt.Errorf("grpc duration: %w", err)
	}

	inFlight, err := telemetry.RegisterCollector(opts.Registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "identity",
		Subsystem: "grpc",
		Name:      "in_flight_calls",
		Help:      "gRPC calls currently being handled partitioned by call type.",
	}, []string{"type"}))
	if err != nil {
		return nil, fmt.Errorf("grpc in-flight: %w", err)
	}

	return &GRPCMetrics{handled: handled, duration: duration, inFlight: inFlight}, nil
}

// RequestsCollector exposes the handled counter.
func (m *GRPCMetrics) RequestsCollector() *prometheus.CounterVec {
	return m.handled
}

// UnaryServerInterceptor records unary calls. A nil receiver passes calls through.
func (m *GRPCMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if m == nil {
			return handler(ctx, req)
		}
		done := m.begin(info.FullMethod, callUnary)
		resp, err := handler(ctx, req)
		done(err)
		return resp, err
	}
}

// StreamServerInterceptor records streaming calls. A nil receiver passes calls through.
func (m *GRPCMetrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if m == nil {
			return handler(srv, ss)
		}
		done := m.begin(info.FullMethod, callStream)
		err := handler(srv, ss)
		done(err)
		return err
	}
}

func (m *GRPCMetrics) begin(fullMethod, callType string) func(error) {
	service, method := splitFullMethod(fullMethod)
	start := time.Now()
	gauge := m.inFlight.WithLabelValues(callType)
	gauge.Inc()

	return func(err error) {
		gauge.Dec()
		m.handled.WithLabelValues(service, method, callType, status.Code(err).String()).Inc()
		m.duration.WithLabelValues(service, method, callType).Observe(time.Since(start).Seconds())
	}
}

// splitFullMethod turns "/pkg.Service/Method" into its parts, "unknown" for missing ones.
func splitFullMethod(fullMethod string) (string, string) {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || strings.Contains(method, "/") {
		return orUnknown(strings.TrimPrefix(fullMethod, "/")), "unknown"
	}
	return orUnknown(service), orUnknown(method)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
