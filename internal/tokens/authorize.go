package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
	"github.com/pipster/pipster-identity/internal/registry"
	"github.com/pipster/pipster-identity/internal/state"
)

// AuthorizeRequest carries the raw /authorize query parameters.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeParams is an authorization request that passed policy checks.
type AuthorizeParams struct {
	Client              *registry.Client
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidateAuthorize applies client, redirect, response type, grant, scope
// and PKCE policy to req. Errors are *apperrors.OAuthError; invalid_client
// and invalid_redirect must not be redirected to the client.
func (i *Issuer) ValidateAuthorize(req AuthorizeRequest) (*AuthorizeParams, error) {
	client, err := i.registry.Lookup(req.ClientID)
	if err != nil {
		return nil, apperrors.InvalidClient("unknown or disabled client")
	}

	if !i.registry.IsRedirectAllowed(client, req.RedirectURI) {
		return nil, apperrors.InvalidRedirect("redirect_uri is not registered for this client")
	}

	if req.ResponseType != "code" {
		return nil, apperrors.UnsupportedResponseType("only response_type=code is supported")
	}

	if !i.registry.AllowsGrant(client, registry.GrantAuthorizationCode) {
		return nil, apperrors.UnauthorizedClient("client may not use the authorization_code grant")
	}

	scopes := parseScopes(req.Scope)
	if len(scopes) == 0 {
		return nil, apperrors.InvalidScope("scope is required")
	}

	for _, s := range scopes {
		if !i.catalog.Has(s) {
			return nil, apperrors.InvalidScope(fmt.Sprintf("unknown scope %q", s))
		}

		if !i.registry.IsScopeAllowed(client, s) {
			return nil, apperrors.InvalidScope(fmt.Sprintf("scope %q is not allowed for this client", s))
		}
	}

	if !hasScope(scopes, registry.ScopeOpenID) && requiresOpenID(i.catalog, scopes) {
		return nil, apperrors.InvalidScope("identity scopes require openid")
	}

	if req.CodeChallenge == "" {
		if client.RequirePKCE {
			return nil, apperrors.InvalidRequest("code_challenge is required")
		}
	} else {
		if req.CodeChallengeMethod != PKCEMethodS256 {
			return nil, apperrors.InvalidRequest("code_challenge_method must be S256")
		}

		if !validPKCEValue(req.CodeChallenge) {
			return nil, apperrors.InvalidRequest("code_challenge is malformed")
		}
	}

	return &AuthorizeParams{
		Client:              client,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}, nil
}

// IssueCode mints a single-use authorization code for user. Only its
// digest is stored.
func (i *Issuer) IssueCode(ctx context.Context, p *AuthorizeParams, user *models.User, authTime time.Time) (string, error) {
	now := i.now()
	code := randomHex(32)

	ac := &models.AuthorizationCode{
		ID:                  state.HashKey(code),
		ClientID:            p.Client.ID,
		Subject:             user.ID,
		RedirectURI:         p.RedirectURI,
		Scopes:              p.Scopes,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Nonce:               p.Nonce,
		AuthTime:            authTime.UTC(),
		CreatedAt:           now.UTC(),
		ExpiresAt:           now.Add(p.Client.AuthorizationCodeTTL()).UTC(),
	}

	if err := i.backend.SaveCode(ctx, ac); err != nil {
		return "", fmt.Errorf("saving authorization code: %w", err)
	}

	i.logger.Debug("authorization code issued",
		slog.String("client_id", ac.ClientID),
		slog.String("user_id", ac.Subject),
	)

	return code, nil
}
