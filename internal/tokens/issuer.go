// Package tokens implements the authorization-code (with PKCE) and refresh
// grants: code issuance, code exchange, refresh rotation, revocation,
// access token validation and the discovery document.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/pipster/pipster-identity/internal/keys"
	"github.com/pipster/pipster-identity/internal/models"
	"github.com/pipster/pipster-identity/internal/registry"
)

// Endpoint paths relative to the issuer URI.
const (
	PathDiscovery  = "/.well-known/openid-configuration"
	PathJWKS       = "/.well-known/openid-configuration/jwks"
	PathAuthorize  = "/authorize"
	PathToken      = "/token"
	PathUserInfo   = "/connect/userinfo"
	PathEndSession = "/connect/endsession"
	PathRevocation = "/connect/revocation"
)

// Backend persists codes, grants and refresh tokens. *state.State
// implements it.
type Backend interface {
	SaveCode(ctx context.Context, c *models.AuthorizationCode) error
	GetCode(ctx context.Context, id string) (*models.AuthorizationCode, error)
	RedeemCode(ctx context.Context, id string, now time.Time, grant *models.AccessGrant, refresh *models.RefreshToken) error
	GetGrant(ctx context.Context, jti string) (*models.AccessGrant, error)
	RevokeGrant(ctx context.Context, jti, clientID string) error
	GetRefreshToken(ctx context.Context, id string) (*models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, id, clientID string, now time.Time, grant *models.AccessGrant, next *models.RefreshToken) error
	RevokeRefreshToken(ctx context.Context, id, clientID string) error
}

// UserLookup resolves token subjects. *users.Store implements it.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Config wires an Issuer.
type Config struct {
	IssuerURI string
	Registry  *registry.Registry
	Keys      *keys.Set
	Backend   Backend
	Users     UserLookup
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Issuer mints and validates tokens for registered clients.
type Issuer struct {
	issuer   string
	registry *registry.Registry
	catalog  *registry.Catalog
	keys     *keys.Set
	backend  Backend
	users    UserLookup
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Issuer {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Issuer{
		issuer:   cfg.IssuerURI,
		registry: cfg.Registry,
		catalog:  cfg.Registry.Catalog(),
		keys:     cfg.Keys,
		backend:  cfg.Backend,
		users:    cfg.Users,
		logger:   cfg.Logger,
		now:      now,
	}
}

// IssuerURI is the value of the iss claim.
func (i *Issuer) IssuerURI() string { return i.issuer }

// Keys returns the signing key set.
func (i *Issuer) Keys() *keys.Set { return i.keys }

// Registry returns the client registry.
func (i *Issuer) Registry() *registry.Registry { return i.registry }

// randomHex returns a cryptographically random hex string of n bytes.
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
