package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testKeyErr != nil {
		t.Fatalf("generate rsa key: %v", testKeyErr)
	}
	return testKey
}

func newTestManager(t *testing.T, now time.Time) *JWTManager {
	t.Helper()
	provider := NewStaticKeyProvider("test-kid", rsaKey(t))
	return NewJWTManager(provider, "identity-service", []string{"review-platform"}).
		WithClock(func() time.Time { return now })
}

func TestJWTManagerSignAndParse(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr := newTestManager(t, issuedAt.Add(time.Hour))

	claims, err := NewAccessTokenClaims(AccessTokenOptions{
		AccountID: "acc-1",
		Email:     "jane@example.com",
		Role:      "vendor",
		Issuer:    mgr.Issuer(),
		Audience:  mgr.Audience(),
		IssuedAt:  issuedAt,
	})
	if err != nil {
		t.Fatalf("NewAccessTokenClaims returned error: %v", err)
	}
	if got := claims.ExpiresAt.Time.Sub(issuedAt); got != DefaultAccessTokenTTL {
		t.Fatalf("expected default ttl %v, got %v", DefaultAccessTokenTTL, got)
	}

	token, err := mgr.Sign(claims)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	parsed, err := mgr.Parse(token)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if parsed.AccountID != "acc-1" || parsed.Subject != "acc-1" || parsed.Role != "vendor" || parsed.Email != "jane@example.com" {
		t.Fatalf("unexpected claims %+v", parsed)
	}
	if parsed.ID == "" {
		t.Fatal("expected jti to be generated")
	}

	exp, err := PeekExpiry(token)
	if err != nil {
		t.Fatalf("PeekExpiry returned error: %v", err)
	}
	if !exp.Equal(issuedAt.Add(DefaultAccessTokenTTL)) {
		t.Fatalf("unexpected expiry %v", exp)
	}
}

func TestJWTManagerParseRejectsExpired(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestManager(t, issuedAt)

	claims, err := NewAccessTokenClaims(AccessTokenOptions{
		AccountID: "acc-1",
		Issuer:    signer.Issuer(),
		Audience:  signer.Audience(),
		IssuedAt:  issuedAt,
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("NewAccessTokenClaims returned error: %v", err)
	}
	token, err := signer.Sign(claims)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	verifier := newTestManager(t, issuedAt.Add(2*time.Hour))
	if _, err := verifier.Parse(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWTManagerParseRejectsForeignIssuerAndKey(t *testing.T) {
	now := time.Now()
	mgr := newTestManager(t, now)

	foreign := NewJWTManager(NewStaticKeyProvider("test-kid", rsaKey(t)), "someone-else", []string{"review-platform"})
	claims, _ := NewAccessTokenClaims(AccessTokenOptions{AccountID: "acc-1", Issuer: "someone-else", Audience: []string{"review-platform"}, IssuedAt: now})
	token, err := foreign.Sign(claims)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if _, err := mgr.Parse(token); err == nil {
		t.Fatal("expected issuer mismatch to be rejected")
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	impostor := NewJWTManager(NewStaticKeyProvider("test-kid", otherKey), mgr.Issuer(), mgr.Audience())
	claims, _ = NewAccessTokenClaims(AccessTokenOptions{AccountID: "acc-1", Issuer: mgr.Issuer(), Audience: mgr.Audience(), IssuedAt: now})
	token, err = impostor.Sign(claims)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if _, err := mgr.Parse(token); err == nil {
		t.Fatal("expected signature from another key to be rejected")
	}

	if _, err := mgr.Parse("not-a-token"); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}

func TestNewAccessTokenClaimsValidation(t *testing.T) {
	if _, err := NewAccessTokenClaims(AccessTokenOptions{Issuer: "iss"}); err == nil {
		t.Fatal("expected missing account id to be rejected")
	}
	if _, err := NewAccessTokenClaims(AccessTokenOptions{AccountID: "acc"}); err == nil {
		t.Fatal("expected missing issuer to be rejected")
	}
}

func TestJWKSPublishesProviderKeys(t *testing.T) {
	mgr := newTestManager(t, time.Now())

	payload, err := mgr.JWKS()
	if err != nil {
		t.Fatalf("JWKS returned error: %v", err)
	}

	var set struct {
		Keys []map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(payload, &set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0]["kid"] != "test-kid" || set.Keys[0]["alg"] != "RS256" {
		t.Fatalf("unexpected jwks %s", payload)
	}
}

func TestFileKeyProviderLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	key := rsaKey(t)

	private := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(dir, "2026-01.pem"), private, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	public := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(filepath.Join(dir, "2025-12.pub"), public, 0o600); err != nil {
		t.Fatalf("write public key: %v", err)
	}

	provider, err := NewFileKeyProvider(dir)
	if err != nil {
		t.Fatalf("NewFileKeyProvider returned error: %v", err)
	}

	kid, signing, err := provider.SigningKey()
	if err != nil || kid != "2026-01" || signing == nil {
		t.Fatalf("unexpected signing key kid=%s err=%v", kid, err)
	}
	if _, err := provider.VerificationKey("2025-12"); err != nil {
		t.Fatalf("expected retired public key to verify, got %v", err)
	}
	if _, err := provider.VerificationKey("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if len(provider.VerificationKeys()) != 2 {
		t.Fatalf("expected both keys to be published")
	}
}

func TestFileKeyProviderRequiresPrivateKey(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewFileKeyProvider(dir); err == nil {
		t.Fatal("expected empty directory to be rejected")
	}
}

func TestJWTManagerHasVerificationKey(t *testing.T) {
	now := time.Now()
	manager := newTestManager(t, now)

	claims, err := NewAccessTokenClaims(AccessTokenOptions{
		AccountID: "acc-1",
		Issuer:    manager.Issuer(),
		Audience:  manager.Audience(),
		TTL:       time.Hour,
		IssuedAt:  now,
	})
	if err != nil {
		t.Fatalf("NewAccessTokenClaims returned error: %v", err)
	}
	token, err := manager.Sign(claims)
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}

	if !manager.HasVerificationKey(token) {
		t.Fatalf("expected the signing kid to be published")
	}

	rotated := NewJWTManager(NewStaticKeyProvider("next-kid", rsaKey(t)), "identity-service", []string{"review-platform"})
	if rotated.HasVerificationKey(token) {
		t.Fatalf("expected a retired kid to be reported missing")
	}
	if manager.HasVerificationKey("not-a-jwt") {
		t.Fatalf("expected malformed tokens to be reported missing")
	}
}
