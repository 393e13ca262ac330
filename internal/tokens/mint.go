package tokens

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
	"github.com/pipster/pipster-identity/internal/registry"
	"github.com/pipster/pipster-identity/internal/state"
)

// accessTokenType is the JOSE typ of access tokens (RFC 9068).
const accessTokenType = "at+jwt"

// TokenSet is a successful token endpoint response.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`

	// RefreshExpiresAt is zero when no refresh token was issued.
	RefreshExpiresAt time.Time `json:"-"`
}

// AccessClaims are the claims of an access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Scopes splits the scope claim.
func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

type mintRequest struct {
	client   *registry.Client
	user     *models.User
	scopes   []string
	nonce    string
	authTime time.Time
	codeID   string

	issueRefresh     bool
	refreshExpiresAt time.Time

	now time.Time
}

// mint signs the access token (and ID token when openid was granted) and
// prepares the grant and refresh records. Nothing is persisted here.
func (i *Issuer) mint(req mintRequest) (*TokenSet, *models.AccessGrant, *models.RefreshToken, error) {
	key := i.keys.Signing()
	if key == nil {
		return nil, nil, nil, apperrors.ErrNoSigningKey
	}

	now := req.now
	client := req.client
	jti := uuid.NewString()
	accessExp := now.Add(client.AccessTokenTTL())

	audience := jwt.ClaimStrings{client.ID}
	if hasScope(req.scopes, registry.ScopeAPI) {
		audience = append(audience, registry.ScopeAPI)
	}

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   req.user.ID,
			Audience:  audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        jti,
		},
		ClientID: client.ID,
		Scope:    strings.Join(req.scopes, " "),
	}

	if i.releasesTenant(req.scopes) {
		claims.TenantID = req.user.TenantID
	}

	access := jwt.NewWithClaims(key.Method(), claims)
	access.Header["kid"] = key.KeyID
	access.Header["typ"] = accessTokenType

	accessToken, err := access.SignedString(key.Signer)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("signing access token: %w", err)
	}

	set := &TokenSet{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   client.AccessTokenLifetime,
		Scope:       claims.Scope,
	}

	if hasScope(req.scopes, registry.ScopeOpenID) {
		idClaims := jwt.MapClaims{
			"iss":       i.issuer,
			"sub":       req.user.ID,
			"aud":       client.ID,
			"iat":       now.Unix(),
			"exp":       now.Add(client.IdentityTokenTTL()).Unix(),
			"auth_time": req.authTime.Unix(),
			"amr":       []string{"pwd"},
		}

		if req.nonce != "" {
			idClaims["nonce"] = req.nonce
		}

		if client.AlwaysIncludeUserClaimsInIDToken {
			for k, v := range i.identityClaims(req.user, req.scopes) {
				idClaims[k] = v
			}
		}

		id := jwt.NewWithClaims(key.Method(), idClaims)
		id.Header["kid"] = key.KeyID

		set.IDToken, err = id.SignedString(key.Signer)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("signing id token: %w", err)
		}
	}

	grant := &models.AccessGrant{
		ID:        jti,
		ClientID:  client.ID,
		Subject:   req.user.ID,
		CodeID:    req.codeID,
		Scopes:    slices.Clone(req.scopes),
		IssuedAt:  now.UTC(),
		ExpiresAt: accessExp.UTC(),
	}

	var refresh *models.RefreshToken

	if req.issueRefresh {
		value := randomHex(32)
		set.RefreshToken = value
		set.RefreshExpiresAt = req.refreshExpiresAt.UTC()

		refresh = &models.RefreshToken{
			ID:        state.HashKey(value),
			ClientID:  client.ID,
			Subject:   req.user.ID,
			CodeID:    req.codeID,
			Scopes:    slices.Clone(req.scopes),
			Nonce:     req.nonce,
			AuthTime:  req.authTime.UTC(),
			IssuedAt:  now.UTC(),
			ExpiresAt: req.refreshExpiresAt.UTC(),
			Sliding:   client.RefreshTokenPolicy == registry.RefreshSliding,
		}
	}

	return set, grant, refresh, nil
}

// releasesTenant reports whether any granted scope releases tenant_id.
func (i *Issuer) releasesTenant(scopes []string) bool {
	for _, s := range scopes {
		if slices.Contains(i.catalog.ClaimsFor(s), registry.ClaimTenantID) {
			return true
		}
	}

	return false
}

// identityClaims collects user claims for the granted identity scopes.
func (i *Issuer) identityClaims(user *models.User, scopes []string) map[string]any {
	out := make(map[string]any)

	for _, s := range scopes {
		if !i.catalog.IsIdentity(s) {
			continue
		}

		for _, claim := range i.catalog.ClaimsFor(s) {
			if v, ok := userClaim(user, claim); ok {
				out[claim] = v
			}
		}
	}

	return out
}

func userClaim(u *models.User, claim string) (any, bool) {
	switch claim {
	case registry.ClaimSubject:
		return u.ID, true
	case registry.ClaimName:
		return u.DisplayName, u.DisplayName != ""
	case registry.ClaimEmail:
		return u.Email, u.Email != ""
	case registry.ClaimEmailVerified:
		return u.EmailConfirmed, true
	case registry.ClaimTenantID:
		return u.TenantID, u.TenantID != ""
	default:
		return nil, false
	}
}
