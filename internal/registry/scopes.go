package registry

import (
	"fmt"
	"slices"
	"sort"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
)

// ScopeKind distinguishes scopes that release user claims into the ID
// token from scopes that grant access to an API.
type ScopeKind string

const (
	ScopeKindIdentity ScopeKind = "identity"
	ScopeKindResource ScopeKind = "resource"
)

// Well-known scope names.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeTenant        = "tenant"
	ScopeOfflineAccess = "offline_access"
	ScopeAPI           = "pipster.api"
)

// Claim names released by the built-in scopes.
const (
	ClaimSubject       = "sub"
	ClaimName          = "name"
	ClaimEmail         = "email"
	ClaimEmailVerified = "email_verified"
	ClaimTenantID      = "tenant_id"
)

// profileClaims are the OpenID Connect Core 5.4 profile claims.
var profileClaims = []string{
	"name", "family_name", "given_name", "middle_name", "nickname",
	"preferred_username", "profile", "picture", "website", "gender",
	"birthdate", "zoneinfo", "locale", "updated_at",
}

// Scope is a named permission and the claims it releases.
type Scope struct {
	Name        string    `yaml:"name"`
	DisplayName string    `yaml:"display_name"`
	Kind        ScopeKind `yaml:"kind"`
	Claims      []string  `yaml:"claims"`
}

// Catalog is the read-only set of scopes known to the issuer.
type Catalog struct {
	scopes map[string]Scope
	order  []string
}

// NewCatalog validates scopes and builds a catalog. offline_access is
// reserved and added when the input omits it.
func NewCatalog(scopes []Scope) (*Catalog, error) {
	c := &Catalog{scopes: make(map[string]Scope, len(scopes)+1)}

	for i, s := range scopes {
		if s.Name == "" {
			return nil, fmt.Errorf("scope %d: name is required", i+1)
		}

		if _, dup := c.scopes[s.Name]; dup {
			return nil, fmt.Errorf("duplicate scope %q", s.Name)
		}

		switch s.Kind {
		case ScopeKindIdentity, ScopeKindResource:
		default:
			return nil, fmt.Errorf("scope %q: unknown kind %q", s.Name, s.Kind)
		}

		if s.Name == ScopeOfflineAccess && (s.Kind != ScopeKindIdentity || len(s.Claims) > 0) {
			return nil, fmt.Errorf("scope %q is reserved", ScopeOfflineAccess)
		}

		s.Claims = slices.Clone(s.Claims)
		c.scopes[s.Name] = s
		c.order = append(c.order, s.Name)
	}

	if _, ok := c.scopes[ScopeOfflineAccess]; !ok {
		c.scopes[ScopeOfflineAccess] = Scope{
			Name:        ScopeOfflineAccess,
			DisplayName: "Offline Access",
			Kind:        ScopeKindIdentity,
		}
		c.order = append(c.order, ScopeOfflineAccess)
	}

	return c, nil
}

// Lookup returns the named scope or ErrScopeNotFound.
func (c *Catalog) Lookup(name string) (Scope, error) {
	s, ok := c.scopes[name]
	if !ok {
		return Scope{}, apperrors.ErrScopeNotFound
	}

	s.Claims = slices.Clone(s.Claims)

	return s, nil
}

// ClaimsFor returns the claims released by name, or nil for unknown scopes.
func (c *Catalog) ClaimsFor(name string) []string {
	return slices.Clone(c.scopes[name].Claims)
}

// Has reports whether name is a known scope.
func (c *Catalog) Has(name string) bool {
	_, ok := c.scopes[name]
	return ok
}

// IsIdentity reports whether name is a known identity scope.
func (c *Catalog) IsIdentity(name string) bool {
	s, ok := c.scopes[name]
	return ok && s.Kind == ScopeKindIdentity
}

// Names returns scope names in declaration order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.order)
}

// Claims returns the sorted union of every scope's claims.
func (c *Catalog) Claims() []string {
	seen := make(map[string]struct{})

	for _, s := range c.scopes {
		for _, claim := range s.Claims {
			seen[claim] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for claim := range seen {
		out = append(out, claim)
	}

	sort.Strings(out)

	return out
}
