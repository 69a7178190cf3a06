package interceptors

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/usecase"
)

const (
	authorizationKey = "authorization"
	bearerPrefix     = "bearer "
)

// TokenVerifier validates bearer tokens for the auth interceptor.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*security.AccessTokenClaims, error)
}

// AuthOptions fine-tunes interceptor behaviour.
type AuthOptions struct {
	AllowMethods []string
	Logger       *zap.Logger
}

// AuthInterceptor authenticates calls with the account bearer token.
type AuthInterceptor struct {
	verifier TokenVerifier
	logger   *zap.Logger
	allow    map[string]struct{}
}

// NewAuthInterceptor constructs a new AuthInterceptor instance.
func NewAuthInterceptor(verifier TokenVerifier, opts AuthOptions) *AuthInterceptor {
	allow := make(map[string]struct{}, len(opts.AllowMethods))
	for _, method := range opts.AllowMethods {
		if method = strings.TrimSpace(method); method != "" {
			allow[method] = struct{}{}
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuthInterceptor{verifier: verifier, logger: logger, allow: allow}
}

// UnaryServerInterceptor enforces bearer authentication on unary calls.
func (ai *AuthInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := ai.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor enforces bearer authentication on streaming calls.
func (ai *AuthInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := ai.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authenticatedStream{ServerStream: ss, ctx: ctx})
	}
}

func (ai *AuthInterceptor) authenticate(ctx context.Context, fullMethod string) (context.Context, error) {
	if ai == nil || ai.verifier == nil {
		return ctx, nil
	}

	if _, ok := ai.allow[fullMethod]; ok {
		return ctx, nil
	}

	token, err := tokenFromMetadata(ctx)
	if err != nil {
		ai.logger.Warn("gRPC authentication failed", zap.String("method", fullMethod), zap.Error(err))
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	claims, err := ai.verifier.Verify(ctx, token)
	if err != nil {
		ai.logger.Warn("gRPC token validation failed", zap.String("method", fullMethod), zap.Error(err))
		switch {
		case errors.Is(err, usecase.ErrExpiredAccessToken):
			return nil, status.Error(codes.Unauthenticated, "access token expired")
		case errors.Is(err, usecase.ErrInvalidAccessToken):
			return nil, status.Error(codes.Unauthenticated, "invalid access token")
		default:
			return nil, status.Error(codes.Unauthenticated, "failed to validate access token")
		}
	}

	return WithClaims(ctx, claims), nil
}

type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authenticatedStream) Context() context.Context {
	return s.ctx
}

type claimsContextKey struct{}

// WithClaims returns a derived context containing token claims.
func WithClaims(ctx context.Context, claims *security.AccessTokenClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts token claims from context when available.
func ClaimsFromContext(ctx context.Context) (*security.AccessTokenClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(claimsContextKey{}).(*security.AccessTokenClaims)
	return claims, ok && claims != nil
}

func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}

	var raw string
	if values := md.Get(authorizationKey); len(values) > 0 {
		raw = strings.TrimSpace(values[0])
	}
	if raw == "" {
		return "", errors.New("authorization token required")
	}

	if len(raw) < len(bearerPrefix) || !strings.HasPrefix(strings.ToLower(raw), bearerPrefix) {
		return "", errors.New("invalid authorization header")
	}

	token := strings.TrimSpace(raw[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("authorization token required")
	}

	return token, nil
}
