package transportgrpc

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcinterceptors "github.com/xuthority/identity-service/internal/transport/grpc/interceptors"
)

// ServiceName is reported by the health service alongside the overall server status.
const ServiceName = "identity.v1.IdentityService"

// PublicMethods never require a bearer token.
var PublicMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
	"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
	"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo",
}

// ServerDependencies encapsulates services required by the gRPC server layer.
type ServerDependencies struct {
	Tokens         grpcinterceptors.TokenVerifier
	Metrics        *grpcinterceptors.GRPCMetrics
	TracerProvider trace.TracerProvider
	Logger         *zap.Logger
	PublicMethods  []string
	// Register attaches additional services before the server starts.
	Register func(grpc.ServiceRegistrar)
}

// Server bundles the gRPC server with its health service so readiness can be toggled.
type Server struct {
	*grpc.Server
	Health *health.Server
}

// NewServer wires the health and reflection services behind tracing, metrics and
// bearer-token interceptors.
func NewServer(deps ServerDependencies) (*Server, error) {
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token verifier is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allow := append(append([]string{}, PublicMethods...), deps.PublicMethods...)
	authInterceptor := grpcinterceptors.NewAuthInterceptor(deps.Tokens, grpcinterceptors.AuthOptions{
		Logger:       logger,
		AllowMethods: allow,
	})

	server := grpc.NewServer(
		grpcinterceptors.TracingServerOption(grpcinterceptors.TracingOptions{
			TracerProvider: deps.TracerProvider,
			SkipMethods:    []string{healthpb.Health_Check_FullMethodName, healthpb.Health_Watch_FullMethodName},
		}),
		grpc.ChainUnaryInterceptor(
			deps.Metrics.UnaryServerInterceptor(),
			authInterceptor.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			deps.Metrics.StreamServerInterceptor(),
			authInterceptor.StreamServerInterceptor(),
		),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	if deps.Register != nil {
		deps.Register(server)
	}

	reflection.Register(server)

	return &Server{Server: server, Health: healthServer}, nil
}

// Shutdown marks every service as not serving and stops the server gracefully.
func (s *Server) Shutdown() {
	if s == nil {
		return
	}
	s.Health.Shutdown()
	s.GracefulStop()
}
