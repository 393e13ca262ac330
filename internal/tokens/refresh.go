package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/registry"
	"github.com/pipster/pipster-identity/internal/state"
)

// RefreshRequest is a grant_type=refresh_token token request. Scope may
// narrow the original grant but never widen it.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scope        string
}

// Refresh rotates a refresh token. The presented token is revoked in the
// same transaction that stores its successor. Sliding clients get a fresh
// full lifetime; absolute clients keep the original expiry.
func (i *Issuer) Refresh(ctx context.Context, req RefreshRequest) (*TokenSet, error) {
	client, err := i.authenticateClient(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if !i.registry.AllowsGrant(client, registry.GrantRefreshToken) {
		return nil, apperrors.UnauthorizedClient("client may not use the refresh_token grant")
	}

	if req.RefreshToken == "" {
		return nil, apperrors.InvalidRequest("refresh_token is required")
	}

	id := state.HashKey(req.RefreshToken)
	now := i.now()

	rt, err := i.backend.GetRefreshToken(ctx, id)
	if errors.Is(err, apperrors.ErrTokenNotFound) {
		return nil, apperrors.InvalidGrant("invalid refresh token")
	}

	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	switch {
	case rt.Revoked:
		return nil, apperrors.InvalidGrant("refresh token has been revoked")
	case !now.Before(rt.ExpiresAt):
		return nil, apperrors.InvalidGrant("refresh token expired")
	case rt.ClientID != client.ID:
		return nil, apperrors.InvalidGrant("refresh token was issued to another client")
	}

	scopes := rt.Scopes

	if req.Scope != "" {
		requested := parseScopes(req.Scope)
		for _, s := range requested {
			if !hasScope(rt.Scopes, s) {
				return nil, apperrors.InvalidScope(fmt.Sprintf("scope %q was not part of the original grant", s))
			}
		}

		scopes = requested
	}

	user, err := i.activeUser(ctx, rt.Subject)
	if err != nil {
		return nil, err
	}

	expiresAt := rt.ExpiresAt
	if client.RefreshTokenPolicy == registry.RefreshSliding {
		expiresAt = now.Add(client.RefreshTokenTTL())
	}

	set, grant, next, err := i.mint(mintRequest{
		client:           client,
		user:             user,
		scopes:           scopes,
		authTime:         rt.AuthTime,
		codeID:           rt.CodeID,
		issueRefresh:     true,
		refreshExpiresAt: expiresAt,
		now:              now,
	})
	if err != nil {
		return nil, err
	}

	// The successor keeps the full original scope so a narrowed refresh
	// does not shrink later ones.
	next.Scopes = rt.Scopes

	err = i.backend.RotateRefreshToken(ctx, id, client.ID, now, grant, next)
	switch {
	case errors.Is(err, apperrors.ErrTokenRevoked),
		errors.Is(err, apperrors.ErrTokenExpired),
		errors.Is(err, apperrors.ErrTokenNotFound),
		errors.Is(err, apperrors.ErrTokenClientMismatch):
		return nil, apperrors.InvalidGrant("invalid refresh token")
	case err != nil:
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	i.logger.Info("refresh token rotated",
		slog.String("client_id", client.ID),
		slog.String("user_id", user.ID),
		slog.Bool("sliding", next.Sliding),
	)

	return set, nil
}
