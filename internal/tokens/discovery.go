package tokens

import (
	"context"
	"fmt"
	"net/url"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
)

// DiscoveryDocument is the OpenID Provider metadata (OpenID Connect
// Discovery 1.0 Section 3).
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	JWKSURI                           string   `json:"jwks_uri"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	RequestParameterSupported         bool     `json:"request_parameter_supported"`
}

// Discovery builds the discovery document. It fails when the issuer URI
// is unusable or no signing key is loaded, which makes it a liveness
// probe for the issuer as a whole.
func (i *Issuer) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, err := url.Parse(i.issuer)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid issuer URI %q", i.issuer)
	}

	key := i.keys.Signing()
	if key == nil {
		return nil, apperrors.ErrNoSigningKey
	}

	return &DiscoveryDocument{
		Issuer:                            i.issuer,
		JWKSURI:                           i.issuer + PathJWKS,
		AuthorizationEndpoint:             i.issuer + PathAuthorize,
		TokenEndpoint:                     i.issuer + PathToken,
		UserInfoEndpoint:                  i.issuer + PathUserInfo,
		EndSessionEndpoint:                i.issuer + PathEndSession,
		RevocationEndpoint:                i.issuer + PathRevocation,
		ScopesSupported:                   i.catalog.Names(),
		ClaimsSupported:                   i.catalog.Claims(),
		GrantTypesSupported:               i.registry.GrantTypes(),
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{key.Algorithm},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		RequestParameterSupported:         false,
	}, nil
}
