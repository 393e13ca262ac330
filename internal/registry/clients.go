package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"time"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
)

// GrantType is an OAuth2 grant type identifier.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// RefreshPolicy decides how a refresh token's expiry evolves on use.
type RefreshPolicy string

const (
	// RefreshAbsolute keeps the expiry fixed at first issuance.
	RefreshAbsolute RefreshPolicy = "absolute"
	// RefreshSliding resets the full lifetime on every use.
	RefreshSliding RefreshPolicy = "sliding"
)

// Client is a registered application and its policy. Lifetimes are in
// seconds.
type Client struct {
	ID                        string        `yaml:"client_id"`
	Name                      string        `yaml:"client_name"`
	Enabled                   bool          `yaml:"enabled"`
	AllowedGrantTypes         []GrantType   `yaml:"allowed_grant_types"`
	RequirePKCE               bool          `yaml:"require_pkce"`
	RequireClientSecret       bool          `yaml:"require_client_secret"`
	ClientSecrets             []string      `yaml:"client_secrets"`
	RedirectURIs              []string      `yaml:"redirect_uris"`
	PostLogoutRedirectURIs    []string      `yaml:"post_logout_redirect_uris"`
	AllowedCORSOrigins        []string      `yaml:"allowed_cors_origins"`
	AllowedScopes             []string      `yaml:"allowed_scopes"`
	AllowOfflineAccess        bool          `yaml:"allow_offline_access"`
	AccessTokenLifetime       int           `yaml:"access_token_lifetime"`
	IdentityTokenLifetime     int           `yaml:"identity_token_lifetime"`
	AuthorizationCodeLifetime int           `yaml:"authorization_code_lifetime"`
	RefreshTokenPolicy        RefreshPolicy `yaml:"refresh_token_expiration"`
	RefreshTokenLifetime      int           `yaml:"refresh_token_lifetime"`
	RequireConsent            bool          `yaml:"require_consent"`

	// AlwaysIncludeUserClaimsInIDToken gates user claims (name, email,
	// tenant_id) in the ID token. When false the ID token carries only the
	// protocol claims and clients read the rest from /connect/userinfo.
	AlwaysIncludeUserClaimsInIDToken bool `yaml:"always_include_user_claims_in_id_token"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return !c.RequireClientSecret
}

func (c *Client) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenLifetime) * time.Second
}

func (c *Client) IdentityTokenTTL() time.Duration {
	return time.Duration(c.IdentityTokenLifetime) * time.Second
}

func (c *Client) AuthorizationCodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeLifetime) * time.Second
}

func (c *Client) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenLifetime) * time.Second
}

func (c *Client) clone() *Client {
	out := *c
	out.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	out.ClientSecrets = slices.Clone(c.ClientSecrets)
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	out.AllowedCORSOrigins = slices.Clone(c.AllowedCORSOrigins)
	out.AllowedScopes = slices.Clone(c.AllowedScopes)

	return &out
}

// Registry is the read-only set of registered clients. It is built once
// at startup and never mutated.
type Registry struct {
	clients map[string]*Client
	catalog *Catalog
	origins map[string]struct{}
}

// Build constructs the scope catalog and client registry from cfg.
func Build(cfg Config) (*Registry, error) {
	catalog, err := NewCatalog(cfg.Scopes)
	if err != nil {
		return nil, fmt.Errorf("building scope catalog: %w", err)
	}

	reg, err := NewRegistry(cfg.Clients, catalog)
	if err != nil {
		return nil, fmt.Errorf("building client registry: %w", err)
	}

	return reg, nil
}

// NewRegistry validates clients against catalog. Any invalid entry,
// disabled or not, fails the whole registry.
func NewRegistry(clients []Client, catalog *Catalog) (*Registry, error) {
	r := &Registry{
		clients: make(map[string]*Client, len(clients)),
		catalog: catalog,
		origins: make(map[string]struct{}),
	}

	for i := range clients {
		c := clients[i].clone()
		if err := validateClient(c, catalog); err != nil {
			return nil, err
		}

		if _, dup := r.clients[c.ID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", c.ID)
		}

		r.clients[c.ID] = c

		if c.Enabled {
			for _, o := range c.AllowedCORSOrigins {
				r.origins[o] = struct{}{}
			}
		}
	}

	return r, nil
}

func validateClient(c *Client, catalog *Catalog) error {
	if c.ID == "" {
		return fmt.Errorf("client_id is required")
	}

	if c.IsPublic() && !c.RequirePKCE {
		return fmt.Errorf("client %q: public clients must require PKCE", c.ID)
	}

	if c.RequireClientSecret && len(c.ClientSecrets) == 0 {
		return fmt.Errorf("client %q: require_client_secret set but no client_secrets configured", c.ID)
	}

	for _, s := range c.ClientSecrets {
		if b, err := hex.DecodeString(s); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("client %q: client secrets must be SHA-256 hex digests", c.ID)
		}
	}

	if len(c.AllowedGrantTypes) == 0 {
		return fmt.Errorf("client %q: at least one grant type is required", c.ID)
	}

	for _, g := range c.AllowedGrantTypes {
		if g != GrantAuthorizationCode && g != GrantRefreshToken {
			return fmt.Errorf("client %q: unsupported grant type %q", c.ID, g)
		}
	}

	if slices.Contains(c.AllowedGrantTypes, GrantAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %q: authorization_code clients need at least one redirect URI", c.ID)
	}

	for _, u := range c.RedirectURIs {
		if !isAbsoluteURI(u) {
			return fmt.Errorf("client %q: redirect URI %q must be absolute", c.ID, u)
		}
	}

	for _, o := range c.AllowedCORSOrigins {
		if !isOrigin(o) {
			return fmt.Errorf("client %q: CORS origin %q must be scheme://host[:port]", c.ID, o)
		}
	}

	for _, s := range c.AllowedScopes {
		if !catalog.Has(s) {
			return fmt.Errorf("client %q: unknown scope %q", c.ID, s)
		}
	}

	if c.AccessTokenLifetime <= 0 || c.IdentityTokenLifetime <= 0 || c.AuthorizationCodeLifetime <= 0 {
		return fmt.Errorf("client %q: token lifetimes must be positive", c.ID)
	}

	switch c.RefreshTokenPolicy {
	case RefreshAbsolute, RefreshSliding:
	default:
		return fmt.Errorf("client %q: unknown refresh_token_expiration %q", c.ID, c.RefreshTokenPolicy)
	}

	if c.AllowOfflineAccess && c.RefreshTokenLifetime <= 0 {
		return fmt.Errorf("client %q: offline access needs a positive refresh_token_lifetime", c.ID)
	}

	return nil
}

func isAbsoluteURI(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Fragment == ""
}

func isOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Path == "" && u.RawQuery == ""
}

// Catalog returns the scope catalog the registry was validated against.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// Lookup returns an enabled client. Disabled clients behave exactly like
// unknown ones.
func (r *Registry) Lookup(clientID string) (*Client, error) {
	c, ok := r.clients[clientID]
	if !ok || !c.Enabled {
		return nil, apperrors.ErrClientNotFound
	}

	return c.clone(), nil
}

// Introspect is the administrative lookup; it also returns disabled
// clients.
func (r *Registry) Introspect(clientID string) (*Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, apperrors.ErrClientNotFound
	}

	return c.clone(), nil
}

// IsRedirectAllowed performs an exact string match against the client's
// redirect URIs. No normalization, no prefix or wildcard matching.
func (r *Registry) IsRedirectAllowed(c *Client, uri string) bool {
	return uri != "" && slices.Contains(c.RedirectURIs, uri)
}

// IsPostLogoutRedirectAllowed performs an exact match against the
// client's post-logout redirect URIs.
func (r *Registry) IsPostLogoutRedirectAllowed(c *Client, uri string) bool {
	return uri != "" && slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// IsScopeAllowed reports whether c may request scope. offline_access is
// governed by the client's offline flag rather than its scope list.
func (r *Registry) IsScopeAllowed(c *Client, scope string) bool {
	if scope == ScopeOfflineAccess {
		return c.AllowOfflineAccess
	}

	return r.catalog.Has(scope) && slices.Contains(c.AllowedScopes, scope)
}

// AllowsGrant reports whether c may use grant. Offline-enabled clients
// implicitly allow refresh_token.
func (r *Registry) AllowsGrant(c *Client, grant GrantType) bool {
	if grant == GrantRefreshToken && c.AllowOfflineAccess {
		return true
	}

	return slices.Contains(c.AllowedGrantTypes, grant)
}

// IsOriginAllowed checks origin against the CORS lists of enabled clients.
func (r *Registry) IsOriginAllowed(origin string) bool {
	_, ok := r.origins[origin]
	return ok
}

// VerifySecret compares secret against the client's stored digests in
// constant time. Public clients have no secrets and always fail.
func (r *Registry) VerifySecret(c *Client, secret string) bool {
	if secret == "" {
		return false
	}

	digest := HashSecret(secret)
	match := 0

	for _, stored := range c.ClientSecrets {
		match |= subtle.ConstantTimeCompare([]byte(digest), []byte(stored))
	}

	return match == 1
}

// GrantTypes returns the sorted union of grant types usable by enabled
// clients.
func (r *Registry) GrantTypes() []string {
	seen := make(map[string]struct{})

	for _, c := range r.clients {
		if !c.Enabled {
			continue
		}

		for _, g := range c.AllowedGrantTypes {
			seen[string(g)] = struct{}{}
		}

		if c.AllowOfflineAccess {
			seen[string(GrantRefreshToken)] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}

	sort.Strings(out)

	return out
}

// HashSecret returns the hex SHA-256 digest stored for a client secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
