package interceptors

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/usecase"
)

type stubTokenVerifier struct {
	claims *security.AccessTokenClaims
	err    error
	tokens []string
}

func (s *stubTokenVerifier) Verify(_ context.Context, token string) (*security.AccessTokenClaims, error) {
	s.tokens = append(s.tokens, token)
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

const privateMethod = "/identity.v1.AccountService/Get"

func TestAuthInterceptorAllowsValidTokens(t *testing.T) {
	verifier := &stubTokenVerifier{claims: &security.AccessTokenClaims{AccountID: "acc-123", Role: "vendor"}}
	interceptor := NewAuthInterceptor(verifier, AuthOptions{Logger: zaptest.NewLogger(t)}).UnaryServerInterceptor()

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		got, ok := ClaimsFromContext(ctx)
		if !ok || got.AccountID != "acc-123" {
			t.Fatalf("claims missing from context")
		}
		return "ok", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token-value"))
	if _, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{FullMethod: privateMethod}, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(verifier.tokens) != 1 || verifier.tokens[0] != "token-value" {
		t.Fatalf("expected bearer prefix stripped, got %v", verifier.tokens)
	}
}

func TestAuthInterceptorRejectsMissingOrMalformedToken(t *testing.T) {
	interceptor := NewAuthInterceptor(&stubTokenVerifier{}, AuthOptions{}).UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: privateMethod}
	never := func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatalf("handler should not be invoked")
		return nil, nil
	}

	contexts := map[string]context.Context{
		"no metadata": context.Background(),
		"basic auth":  metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic abc")),
		"empty token": metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   ")),
	}
	for name, ctx := range contexts {
		if _, err := interceptor(ctx, struct{}{}, info, never); status.Code(err) != codes.Unauthenticated {
			t.Fatalf("%s: expected unauthenticated error, got %v", name, err)
		}
	}
}

func TestAuthInterceptorPassesThroughAllowedMethods(t *testing.T) {
	verifier := &stubTokenVerifier{err: errors.New("should not be called")}
	interceptor := NewAuthInterceptor(verifier, AuthOptions{AllowMethods: []string{"/grpc.health.v1.Health/Check"}}).UnaryServerInterceptor()

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "pong", nil
	}); err != nil {
		t.Fatalf("expected allowed method to succeed, got %v", err)
	}
	if len(verifier.tokens) != 0 {
		t.Fatalf("verifier should not run for allowed methods")
	}
}

func TestAuthInterceptorMapsExpiredTokens(t *testing.T) {
	interceptor := NewAuthInterceptor(&stubTokenVerifier{err: usecase.ErrExpiredAccessToken}, AuthOptions{}).UnaryServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token"))
	_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{FullMethod: privateMethod}, func(ctx context.Context, req interface{}) (interface{}, error) {
		t.Fatalf("handler should not be invoked")
		return nil, nil
	})
	if status.Code(err) != codes.Unauthenticated || status.Convert(err).Message() != "access token expired" {
		t.Fatalf("expected unauthenticated for expired token, got %v", err)
	}
}

func TestAuthInterceptorStreamCarriesClaims(t *testing.T) {
	verifier := &stubTokenVerifier{claims: &security.AccessTokenClaims{AccountID: "acc-9"}}
	interceptor := NewAuthInterceptor(verifier, AuthOptions{}).StreamServerInterceptor()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "bearer stream-token"))
	stream := &mockServerStream{ctx: ctx}
	info := &grpc.StreamServerInfo{FullMethod: "/identity.v1.AccountService/Watch", IsServerStream: true}

	err := interceptor(nil, stream, info, func(srv interface{}, ss grpc.ServerStream) error {
		claims, ok := ClaimsFromContext(ss.Context())
		if !ok || claims.AccountID != "acc-9" {
			t.Fatalf("expected claims on stream context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
}
