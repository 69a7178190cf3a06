package security

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrKeyNotFound indicates no verification key is registered for a kid.
var ErrKeyNotFound = errors.New("key not found")

// KeyProvider supplies the active RS256 signing key and verification keys by kid.
type KeyProvider interface {
	SigningKey() (kid string, key *rsa.PrivateKey, err error)
	VerificationKey(kid string) (*rsa.PublicKey, error)
	VerificationKeys() map[string]*rsa.PublicKey
}

// FileKeyProvider loads PEM keys from a directory. Each file's base name is its kid and the
// lexicographically first private key signs new tokens.
type FileKeyProvider struct {
	signingKID string
	signingKey *rsa.PrivateKey
	keys       map[string]*rsa.PublicKey
}

// NewFileKeyProvider reads every PEM file in keyDir.
func NewFileKeyProvider(keyDir string) (*FileKeyProvider, error) {
	files, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("read key directory: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || strings.HasPrefix(file.Name(), ".") {
			continue
		}
		names = append(names, file.Name())
	}
	sort.Strings(names)

	provider := &FileKeyProvider{keys: make(map[string]*rsa.PublicKey)}

	for _, name := range names {
		path := filepath.Join(keyDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key file %s: %w", path, err)
		}

		kid := strings.TrimSuffix(name, filepath.Ext(name))
		private, public, err := parseRSAKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", path, err)
		}

		provider.keys[kid] = public
		if private != nil && provider.signingKey == nil {
			provider.signingKID = kid
			provider.signingKey = private
		}
	}

	if provider.signingKey == nil {
		return nil, errors.New("no private key found for signing")
	}

	return provider, nil
}

func parseRSAKey(data []byte) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, nil, errors.New("no PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, &key.PublicKey, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, &rsaKey.PublicKey, nil
		}
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return nil, key, nil
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return nil, rsaKey, nil
		}
	}

	return nil, nil, errors.New("unsupported key type")
}

// SigningKey returns the key used for new tokens.
func (p *FileKeyProvider) SigningKey() (string, *rsa.PrivateKey, error) {
	return p.signingKID, p.signingKey, nil
}

// VerificationKey returns the public key registered under kid.
func (p *FileKeyProvider) VerificationKey(kid string) (*rsa.PublicKey, error) {
	key, ok := p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// VerificationKeys returns a copy of every registered public key.
func (p *FileKeyProvider) VerificationKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey, len(p.keys))
	for kid, key := range p.keys {
		out[kid] = key
	}
	return out
}

// StaticKeyProvider serves a single in-memory key pair.
type StaticKeyProvider struct {
	kid string
	key *rsa.PrivateKey
}

// NewStaticKeyProvider wraps key under kid.
func NewStaticKeyProvider(kid string, key *rsa.PrivateKey) *StaticKeyProvider {
	return &StaticKeyProvider{kid: kid, key: key}
}

func (p *StaticKeyProvider) SigningKey() (string, *rsa.PrivateKey, error) {
	if p.key == nil {
		return "", nil, errors.New("static key provider has no key")
	}
	return p.kid, p.key, nil
}

func (p *StaticKeyProvider) VerificationKey(kid string) (*rsa.PublicKey, error) {
	if p.key == nil || kid != p.kid {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return &p.key.PublicKey, nil
}

func (p *StaticKeyProvider) VerificationKeys() map[string]*rsa.PublicKey {
	if p.key == nil {
		return map[string]*rsa.PublicKey{}
	}
	return map[string]*rsa.PublicKey{p.kid: &p.key.PublicKey}
}
