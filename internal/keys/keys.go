// Package keys manages the asymmetric key that signs access and ID tokens
// and publishes its public half as a JWKS.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultAlgorithm is used for generated keys.
const DefaultAlgorithm = "ES256"

const minRSABits = 2048

// SigningKey is a private key with its JOSE metadata.
type SigningKey struct {
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID     string
	Algorithm string
	Signer    crypto.Signer
	CreatedAt time.Time
	// Ephemeral keys are generated in memory and lost on restart.
	Ephemeral bool
}

// Method returns the jwt signing method for the key's algorithm.
func (k *SigningKey) Method() jwt.SigningMethod {
	return jwt.GetSigningMethod(k.Algorithm)
}

// Set holds the active signing key. It is immutable after construction.
type Set struct {
	signing *SigningKey
}

// Load reads a PEM private key (PKCS#8, SEC 1 or PKCS#1).
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	signer, err := ParsePEM(data)
	if err != nil {
		return nil, err
	}

	key, err := newSigningKey(signer, false)
	if err != nil {
		return nil, err
	}

	return &Set{signing: key}, nil
}

// Generate creates an in-memory ES256 key. Tokens signed with it become
// unverifiable after a restart.
func Generate() (*Set, error) {
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	key, err := newSigningKey(pk, true)
	if err != nil {
		return nil, err
	}

	return &Set{signing: key}, nil
}

// FromSigner wraps an existing key.
func FromSigner(signer crypto.Signer) (*Set, error) {
	key, err := newSigningKey(signer, false)
	if err != nil {
		return nil, err
	}

	return &Set{signing: key}, nil
}

func newSigningKey(signer crypto.Signer, ephemeral bool) (*SigningKey, error) {
	alg, err := algorithmFor(signer)
	if err != nil {
		return nil, err
	}

	kid, err := keyID(signer.Public())
	if err != nil {
		return nil, err
	}

	return &SigningKey{
		KeyID:     kid,
		Algorithm: alg,
		Signer:    signer,
		CreatedAt: time.Now(),
		Ephemeral: ephemeral,
	}, nil
}

// ParsePEM decodes the first PEM block as a private key.
func ParsePEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key: no PEM block found")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}

		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("signing key: unsupported key type %T", k)
		}

		return signer, nil
	default:
		return nil, fmt.Errorf("signing key: unsupported PEM block %q", block.Type)
	}
}

// EncodePEM serializes a key as PKCS#8.
func EncodePEM(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fmt.Errorf("encoding signing key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func algorithmFor(signer crypto.Signer) (string, error) {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256", nil
		case elliptic.P384():
			return "ES384", nil
		case elliptic.P521():
			return "ES512", nil
		}

		return "", fmt.Errorf("signing key: unsupported curve %s", k.Curve.Params().Name)
	case *rsa.PrivateKey:
		if k.N.BitLen() < minRSABits {
			return "", fmt.Errorf("signing key: RSA key must be at least %d bits", minRSABits)
		}

		return "RS256", nil
	case ed25519.PrivateKey:
		return "EdDSA", nil
	default:
		return "", fmt.Errorf("signing key: unsupported key type %T", signer)
	}
}

func keyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}

	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// Signing returns the active signing key.
func (s *Set) Signing() *SigningKey {
	if s == nil {
		return nil
	}

	return s.signing
}

// PublicKey returns the verification key for kid, or nil.
func (s *Set) PublicKey(kid string) crypto.PublicKey {
	if s == nil || s.signing == nil || s.signing.KeyID != kid {
		return nil
	}

	return s.signing.Signer.Public()
}

// JWKS returns the public key set served at the jwks_uri.
func (s *Set) JWKS() jose.JSONWebKeySet {
	if s == nil || s.signing == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}

	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.signing.Signer.Public(),
		KeyID:     s.signing.KeyID,
		Algorithm: s.signing.Algorithm,
		Use:       "sig",
	}}}
}
