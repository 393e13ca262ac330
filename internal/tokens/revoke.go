package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/state"
)

// RevocationRequest is an RFC 7009 revocation request.
type RevocationRequest struct {
	ClientID      string
	ClientSecret  string
	Token         string
	TokenTypeHint string
}

// Revoke revokes a refresh token or access token owned by the calling
// client. Unknown tokens succeed silently.
func (i *Issuer) Revoke(ctx context.Context, req RevocationRequest) error {
	client, err := i.authenticateClient(req.ClientID, req.ClientSecret)
	if err != nil {
		return err
	}

	if req.Token == "" {
		return apperrors.InvalidRequest("token is required")
	}

	if req.TokenTypeHint != "access_token" {
		err = i.backend.RevokeRefreshToken(ctx, state.HashKey(req.Token), client.ID)
		switch {
		case err == nil:
			i.logger.Info("refresh token revoked", slog.String("client_id", client.ID))
			return nil
		case errors.Is(err, apperrors.ErrTokenClientMismatch):
			return apperrors.UnauthorizedClient("token was not issued to this client")
		case !errors.Is(err, apperrors.ErrTokenNotFound):
			return fmt.Errorf("revoking refresh token: %w", err)
		}
	}

	claims, err := i.parseAccessToken(req.Token, true)
	if err != nil {
		return nil
	}

	err = i.backend.RevokeGrant(ctx, claims.ID, client.ID)
	switch {
	case err == nil:
		i.logger.Info("access token revoked", slog.String("client_id", client.ID))
		return nil
	case errors.Is(err, apperrors.ErrTokenClientMismatch):
		return apperrors.UnauthorizedClient("token was not issued to this client")
	case errors.Is(err, apperrors.ErrTokenNotFound):
		return nil
	default:
		return fmt.Errorf("revoking access token: %w", err)
	}
}
