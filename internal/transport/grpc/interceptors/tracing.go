package interceptors

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/stats"
)

// TracingOptions customises the tracing stats handler.
type TracingOptions struct {
	TracerProvider trace.TracerProvider
	Propagators    propagation.TextMapPropagator
	// SkipMethods are full method names that never produce spans, e.g. health checks.
	SkipMethods []string
	Additional  []otelgrpc.Option
}

// NewTracingHandler builds the OpenTelemetry server stats handler.
func NewTracingHandler(opts TracingOptions) stats.Handler {
	options := make([]otelgrpc.Option, 0, len(opts.Additional)+3)
	if opts.TracerProvider != nil {
		options = append(options, otelgrpc.WithTracerProvider(opts.TracerProvider))
	}
	if opts.Propagators != nil {
		options = append(options, otelgrpc.WithPropagators(opts.Propagators))
	}
	if len(opts.SkipMethods) > 0 {
		skip := make(map[string]struct{}, len(opts.SkipMethods))
		for _, method := range opts.SkipMethods {
			skip[method] = struct{}{}
		}
		options = append(options, otelgrpc.WithFilter(func(info *stats.RPCTagInfo) bool {
			_, skipped := skip[info.FullMethodName]
			return !skipped
		}))
	}
	options = append(options, opts.Additional...)

	return otelgrpc.NewServerHandler(options...)
}

// TracingServerOption wraps NewTracingHandler as a grpc.ServerOption.
func TracingServerOption(opts TracingOptions) grpc.ServerOption {
	return grpc.StatsHandler(NewTracingHandler(opts))
}
