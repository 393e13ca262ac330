package registry

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the static client and scope configuration.
type Config struct {
	Scopes  []Scope  `yaml:"scopes"`
	Clients []Client `yaml:"clients"`
}

// Defaults applied to clients whose YAML omits a field.
const (
	defaultAccessTokenLifetime       = 3600
	defaultIdentityTokenLifetime     = 300
	defaultAuthorizationCodeLifetime = 300
	defaultRefreshTokenLifetime      = 2592000
)

func defaultClient() Client {
	return Client{
		Enabled:                   true,
		AllowedGrantTypes:         []GrantType{GrantAuthorizationCode},
		RequirePKCE:               true,
		RequireClientSecret:       true,
		AccessTokenLifetime:       defaultAccessTokenLifetime,
		IdentityTokenLifetime:     defaultIdentityTokenLifetime,
		AuthorizationCodeLifetime: defaultAuthorizationCodeLifetime,
		RefreshTokenPolicy:        RefreshAbsolute,
		RefreshTokenLifetime:      defaultRefreshTokenLifetime,
	}
}

// UnmarshalYAML fills unset fields with client defaults.
func (c *Client) UnmarshalYAML(node *yaml.Node) error {
	type plain Client

	p := plain(defaultClient())
	if err := node.Decode(&p); err != nil {
		return err
	}

	*c = Client(p)

	return nil
}

// LoadConfig reads a YAML catalog from path. An empty path returns the
// built-in configuration.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading catalog file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes a YAML catalog. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing catalog: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the deployment's built-in scopes and clients.
func DefaultConfig() Config {
	standardScopes := []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeTenant, ScopeAPI}

	return Config{
		Scopes: []Scope{
			{Name: ScopeOpenID, DisplayName: "Your user identifier", Kind: ScopeKindIdentity, Claims: []string{ClaimSubject}},
			{Name: ScopeProfile, DisplayName: "User profile", Kind: ScopeKindIdentity, Claims: profileClaims},
			{Name: ScopeEmail, DisplayName: "Your email address", Kind: ScopeKindIdentity, Claims: []string{ClaimEmail, ClaimEmailVerified}},
			{Name: ScopeTenant, DisplayName: "Tenant Information", Kind: ScopeKindIdentity, Claims: []string{ClaimTenantID}},
			{Name: ScopeAPI, DisplayName: "Pipster API", Kind: ScopeKindResource, Claims: []string{ClaimTenantID}},
		},
		Clients: []Client{
			{
				ID:                  "pipster-web",
				Name:                "Pipster Web Application",
				Enabled:             true,
				AllowedGrantTypes:   []GrantType{GrantAuthorizationCode},
				RequirePKCE:         true,
				RequireClientSecret: false,
				RedirectURIs: []string{
					"http://localhost:3000/api/auth/callback/identityserver",
					"https://pipster.app/api/auth/callback/identityserver",
					"https://www.pipster.app/api/auth/callback/identityserver",
				},
				PostLogoutRedirectURIs: []string{
					"http://localhost:3000",
					"https://pipster.app",
					"https://www.pipster.app",
				},
				AllowedCORSOrigins: []string{
					"http://localhost:3000",
					"https://pipster.app",
					"https://www.pipster.app",
				},
				AllowedScopes:                    standardScopes,
				AllowOfflineAccess:               true,
				AccessTokenLifetime:              defaultAccessTokenLifetime,
				IdentityTokenLifetime:            defaultIdentityTokenLifetime,
				AuthorizationCodeLifetime:        defaultAuthorizationCodeLifetime,
				RefreshTokenPolicy:               RefreshSliding,
				RefreshTokenLifetime:             defaultRefreshTokenLifetime,
				RequireConsent:                   false,
				AlwaysIncludeUserClaimsInIDToken: true,
			},
			{
				// Reserved for the mobile app; not yet enabled.
				ID:                        "pipster-mobile",
				Name:                      "Pipster Mobile App",
				Enabled:                   false,
				AllowedGrantTypes:         []GrantType{GrantAuthorizationCode},
				RequirePKCE:               true,
				RequireClientSecret:       false,
				RedirectURIs:              []string{"pipster://callback"},
				PostLogoutRedirectURIs:    []string{"pipster://logout"},
				AllowedScopes:             standardScopes,
				AllowOfflineAccess:        true,
				AccessTokenLifetime:       defaultAccessTokenLifetime,
				IdentityTokenLifetime:     defaultIdentityTokenLifetime,
				AuthorizationCodeLifetime: defaultAuthorizationCodeLifetime,
				RefreshTokenPolicy:        RefreshSliding,
				RefreshTokenLifetime:      defaultRefreshTokenLifetime,
			},
		},
	}
}
