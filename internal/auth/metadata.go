package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"github.com/pipster/pipster-identity/internal/tokens"
)

// DiscoverySource builds the OpenID provider metadata. *tokens.Issuer
// implements it.
type DiscoverySource interface {
	Discovery(ctx context.Context) (*tokens.DiscoveryDocument, error)
}

// HandleDiscovery returns the /.well-known/openid-configuration handler.
func HandleDiscovery(src DiscoverySource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		doc, err := src.Discovery(r.Context())
		if err != nil {
			logger.Error("building discovery document failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "discovery document unavailable")

			return
		}

		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSON(w, http.StatusOK, doc)
	}
}

// HandleJWKS returns the JSON Web Key Set handler. Only public key
// material is published.
func HandleJWKS(jwks func() jose.JSONWebKeySet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Content-Type", "application/jwk-set+json")
		writeJSONBody(w, http.StatusOK, jwks())
	}
}
