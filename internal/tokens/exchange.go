package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/models"
	"github.com/pipster/pipster-identity/internal/registry"
	"github.com/pipster/pipster-identity/internal/state"
)

// ExchangeRequest is a grant_type=authorization_code token request.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// authenticateClient resolves the client and checks its secret when one
// is required. Public clients authenticate by client_id alone.
func (i *Issuer) authenticateClient(clientID, secret string) (*registry.Client, error) {
	if clientID == "" {
		return nil, apperrors.InvalidClient("client_id is required")
	}

	client, err := i.registry.Lookup(clientID)
	if err != nil {
		return nil, apperrors.InvalidClient("unknown or disabled client")
	}

	if client.RequireClientSecret && !i.registry.VerifySecret(client, secret) {
		return nil, apperrors.InvalidClient("client authentication failed")
	}

	return client, nil
}

// activeUser loads the token subject. A missing or inactive user is an
// invalid grant.
func (i *Issuer) activeUser(ctx context.Context, id string) (*models.User, error) {
	user, err := i.users.FindByID(ctx, id)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, apperrors.InvalidGrant("user no longer exists")
	}

	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if !user.Active {
		return nil, apperrors.InvalidGrant("user is inactive")
	}

	return user, nil
}

// Exchange redeems an authorization code. Tokens are signed before the
// write transaction that consumes the code, so a failure at any point
// leaves the code redeemable. Presenting a consumed code revokes every
// token derived from it.
func (i *Issuer) Exchange(ctx context.Context, req ExchangeRequest) (*TokenSet, error) {
	client, err := i.authenticateClient(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !i.registry.AllowsGrant(client, registry.GrantAuthorizationCode) {
		return nil, apperrors.UnauthorizedClient("client may not use the authorization_code grant")
	}

	if req.Code == "" {
		return nil, apperrors.InvalidRequest("code is required")
	}

	codeID := state.HashKey(req.Code)
	now := i.now()

	ac, err := i.backend.GetCode(ctx, codeID)
	if errors.Is(err, apperrors.ErrCodeNotFound) {
		return nil, apperrors.InvalidGrant("invalid authorization code")
	}

	if err != nil {
		return nil, fmt.Errorf("loading authorization code: %w", err)
	}

	if ac.Consumed {
		return nil, i.handleReplay(ctx, ac, client.ID)
	}

	if ac.ClientID != client.ID {
		return nil, apperrors.InvalidGrant("authorization code was issued to another client")
	}

	if !now.Before(ac.ExpiresAt) {
		return nil, apperrors.InvalidGrant("authorization code expired")
	}

	if ac.RedirectURI != req.RedirectURI {
		return nil, apperrors.InvalidGrant("redirect_uri does not match the authorization request")
	}

	if err := checkVerifier(ac, req.CodeVerifier); err != nil {
		return nil, err
	}

	user, err := i.activeUser(ctx, ac.Subject)
	if err != nil {
		return nil, err
	}

	set, grant, refresh, err := i.mint(mintRequest{
		client:           client,
		user:             user,
		scopes:           ac.Scopes,
		nonce:            ac.Nonce,
		authTime:         ac.AuthTime,
		codeID:           codeID,
		issueRefresh:     client.AllowOfflineAccess,
		refreshExpiresAt: now.Add(client.RefreshTokenTTL()),
		now:              now,
	})
	if err != nil {
		return nil, err
	}

	err = i.backend.RedeemCode(ctx, codeID, now, grant, refresh)
	switch {
	case errors.Is(err, apperrors.ErrCodeReplayed):
		i.logger.Warn("authorization code replay detected, derived tokens revoked",
			slog.String("client_id", client.ID),
			slog.String("user_id", ac.Subject),
		)

		return nil, apperrors.InvalidGrant("authorization code has already been used")
	case errors.Is(err, apperrors.ErrCodeExpired), errors.Is(err, apperrors.ErrCodeNotFound):
		return nil, apperrors.InvalidGrant("invalid authorization code")
	case err != nil:
		return nil, fmt.Errorf("redeeming authorization code: %w", err)
	}

	i.logger.Info("authorization code exchanged",
		slog.String("client_id", client.ID),
		slog.String("user_id", user.ID),
		slog.Bool("refresh_token", refresh != nil),
	)

	return set, nil
}

func (i *Issuer) handleReplay(ctx context.Context, ac *models.AuthorizationCode, presenter string) error {
	err := i.backend.RedeemCode(ctx, ac.ID, i.now(), nil, nil)
	if err != nil && !errors.Is(err, apperrors.ErrCodeReplayed) {
		return fmt.Errorf("revoking tokens for replayed code: %w", err)
	}

	i.logger.Warn("authorization code replay detected, derived tokens revoked",
		slog.String("client_id", ac.ClientID),
		slog.String("presented_by", presenter),
		slog.String("user_id", ac.Subject),
	)

	return apperrors.InvalidGrant("authorization code has already been used")
}

// checkVerifier enforces PKCE at the token endpoint. A verifier sent for a
// code issued without a challenge is rejected as a downgrade attempt.
func checkVerifier(ac *models.AuthorizationCode, verifier string) error {
	if ac.CodeChallenge == "" {
		if verifier != "" {
			return apperrors.InvalidGrant("code_verifier sent but no code_challenge was registered")
		}

		return nil
	}

	if verifier == "" {
		return apperrors.InvalidGrant("code_verifier is required")
	}

	if ac.CodeChallengeMethod != PKCEMethodS256 || !verifyPKCE(verifier, ac.CodeChallenge) {
		return apperrors.InvalidGrant("code_verifier does not match code_challenge")
	}

	return nil
}
