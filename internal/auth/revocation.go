package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/tokens"
)

// Revoker revokes tokens. *tokens.Issuer implements it.
type Revoker interface {
	Revoke(ctx context.Context, req tokens.RevocationRequest) error
}

// HandleRevocation returns the RFC 7009 /connect/revocation handler.
// Unknown or already-invalid tokens answer 200.
func HandleRevocation(revoker Revoker, rec Recorder, logger *slog.Logger) http.HandlerFunc {
	rec = recorderOrNop(rec)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, logger, rec, "revocation", apperrors.InvalidRequest("invalid form data"))
			return
		}

		req := tokens.RevocationRequest{
			ClientID:      r.PostFormValue("client_id"),
			ClientSecret:  r.PostFormValue("client_secret"),
			Token:         r.PostFormValue("token"),
			TokenTypeHint: r.PostFormValue("token_type_hint"),
		}

		id, secret, basic := r.BasicAuth()
		if basic {
			req.ClientID, _ = url.QueryUnescape(id)
			req.ClientSecret, _ = url.QueryUnescape(secret)
		}

		if err := revoker.Revoke(r.Context(), req); err != nil {
			tokenError(w, logger, rec, "revocation", basic, err)
			return
		}

		logger.Info("token revoked", slog.String("client_id", req.ClientID))

		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	}
}
