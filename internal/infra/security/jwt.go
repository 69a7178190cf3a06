package security

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"
)

// ErrKeyIDMissing indicates no kid is associated with the supplied token or key.
var ErrKeyIDMissing = errors.New("jwt: missing key identifier")

// AccessTokenClaims are the claims carried by account bearer tokens.
type AccessTokenClaims struct {
	AccountID string `json:"uid"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// AccessTokenOptions configures creation of access token claims.
type AccessTokenOptions struct {
	AccountID string
	Email     string
	Role      string
	Issuer    string
	Audience  []string
	TTL       time.Duration
	IssuedAt  time.Time
	JTI       string
}

// DefaultAccessTokenTTL is the validity of a freshly issued bearer token.
const DefaultAccessTokenTTL = 7 * 24 * time.Hour

// NewAccessTokenClaims constructs standardized access token claims.
func NewAccessTokenClaims(opts AccessTokenOptions) (*AccessTokenClaims, error) {
	accountID := strings.TrimSpace(opts.AccountID)
	if accountID == "" {
		return nil, fmt.Errorf("jwt: account id is required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("jwt: issuer is required")
	}

	now := opts.IssuedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	jti := strings.TrimSpace(opts.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}

	return &AccessTokenClaims{
		AccountID: accountID,
		Email:     opts.Email,
		Role:      opts.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    issuer,
			Audience:  opts.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}, nil
}

// JWTManager signs and verifies RS256 bearer tokens.
type JWTManager struct {
	provider KeyProvider
	issuer   string
	audience []string
	now      func() time.Time
}

// NewJWTManager constructs a JWTManager for the supplied key provider.
func NewJWTManager(provider KeyProvider, issuer string, audience []string) *JWTManager {
	return &JWTManager{
		provider: provider,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for expiry validation.
func (m *JWTManager) WithClock(now func() time.Time) *JWTManager {
	if now != nil {
		m.now = now
	}
	return m
}

// Issuer returns the configured iss claim.
func (m *JWTManager) Issuer() string {
	return m.issuer
}

// Audience returns the configured aud claim.
func (m *JWTManager) Audience() []string {
	return m.audience
}

// Sign signs the claims with the active key and stamps its kid into the header.
func (m *JWTManager) Sign(claims *AccessTokenClaims) (string, error) {
	if claims == nil {
		return "", fmt.Errorf("jwt: access token claims required")
	}
	if m.provider == nil {
		return "", fmt.Errorf("jwt: key provider not configured")
	}

	kid, key, err := m.provider.SigningKey()
	if err != nil {
		return "", fmt.Errorf("jwt: get signing key: %w", err)
	}
	if strings.TrimSpace(kid) == "" {
		return "", ErrKeyIDMissing
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}

// Parse verifies signature, issuer, audience and time claims. Expired tokens yield an error
// matching jwt.ErrTokenExpired.
func (m *JWTManager) Parse(raw string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if len(m.audience) > 0 {
		opts = append(opts, jwt.WithAudience(m.audience[0]))
	}

	claims := &AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, m.keyFunc, opts...)
	if err != nil {
		return nil, err
	}

	return claims, nil
}

func (m *JWTManager) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if strings.TrimSpace(kid) == "" {
		return nil, ErrKeyIDMissing
	}
	if m.provider == nil {
		return nil, fmt.Errorf("jwt: key provider not configured")
	}
	return m.provider.VerificationKey(kid)
}

// PeekExpiry reads exp without verifying the signature. Only use it to decide whether a
// token this service already stored is worth reusing.
func PeekExpiry(raw string) (time.Time, error) {
	claims := &AccessTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, fmt.Errorf("jwt: parse unverified: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("jwt: token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// HasVerificationKey reports whether the kid in raw's header is still among the published
// verification keys. The signature is not checked.
func (m *JWTManager) HasVerificationKey(raw string) bool {
	if m.provider == nil {
		return false
	}
	token, _, err := jwt.NewParser().ParseUnverified(raw, &AccessTokenClaims{})
	if err != nil {
		return false
	}
	kid, _ := token.Header["kid"].(string)
	if strings.TrimSpace(kid) == "" {
		return false
	}
	_, ok := m.provider.VerificationKeys()[kid]
	return ok
}

// JWKS renders the public keys as a JSON Web Key Set.
func (m *JWTManager) JWKS() ([]byte, error) {
	keys := make([]map[string]string, 0)
	if m.provider != nil {
		published := m.provider.VerificationKeys()
		kids := make([]string, 0, len(published))
		for kid := range published {
			kids = append(kids, kid)
		}
		sort.Strings(kids)

		for _, kid := range kids {
			if key := published[kid]; key != nil {
				keys = append(keys, buildJWK(kid, key))
			}
		}
	}

	return json.Marshal(map[string]any{"keys": keys})
}

func buildJWK(kid string, key *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
