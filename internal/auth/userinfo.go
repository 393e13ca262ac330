package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/tokens"
)

// UserInfoSource resolves identity claims for a validated token.
// *tokens.Issuer implements it.
type UserInfoSource interface {
	UserInfo(ctx context.Context, claims *tokens.AccessClaims) (map[string]any, error)
}

// HandleUserInfo returns the /connect/userinfo handler. It must sit behind
// BearerMiddleware.
func HandleUserInfo(src UserInfoSource, rec Recorder, logger *slog.Logger) http.HandlerFunc {
	rec = recorderOrNop(rec)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		claims := RequestClaims(r.Context())
		if claims == nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		info, err := src.UserInfo(r.Context(), claims)
		switch {
		case errors.Is(err, apperrors.ErrInvalidToken):
			rec.OAuthError("userinfo", "invalid_token")
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)

			return
		case err != nil:
			var oe *apperrors.OAuthError
			if errors.As(err, &oe) && oe.Code == apperrors.CodeInsufficientScope {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="openid"`)
			}

			writeOAuthError(w, logger, rec, "userinfo", err)

			return
		}

		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, info)
	}
}
