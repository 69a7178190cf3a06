package domain

import (
	"strings"
	"time"
)

// Provider tags the identity provider an account was created through.
type Provider string

const (
	ProviderNone     Provider = "none"
	ProviderGoogle   Provider = "google"
	ProviderLinkedIn Provider = "linkedin"
)

// FederatedProviders lists the providers accepted by the federation broker.
var FederatedProviders = []Provider{ProviderGoogle, ProviderLinkedIn}

// ParseProvider resolves a route parameter into one of the federated providers.
func ParseProvider(raw string) (Provider, bool) {
	candidate := Provider(strings.ToLower(strings.TrimSpace(raw)))
	for _, p := range FederatedProviders {
		if p == candidate {
			return p, true
		}
	}
	return "", false
}

// FederationPurpose distinguishes the login flow from the identity verification flow.
type FederationPurpose string

const (
	FederationPurposeLogin  FederationPurpose = "login"
	FederationPurposeVerify FederationPurpose = "verify"
)

// FederationState is the per-attempt slot carried across the provider redirect.
type FederationState struct {
	State        string            `json:"state"`
	Provider     Provider          `json:"provider"`
	Purpose      FederationPurpose `json:"purpose"`
	Role         AccountRole       `json:"role,omitempty"`
	CodeVerifier string            `json:"code_verifier"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ProviderProfile is the normalized identity returned by a provider's userinfo endpoint.
type ProviderProfile struct {
	Provider      Provider `json:"provider"`
	Subject       string   `json:"subject"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"emailVerified"`
	FirstName     string   `json:"firstName"`
	LastName      string   `json:"lastName"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	Locale        string   `json:"locale,omitempty"`
}
