package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/registry"
	"github.com/pipster/pipster-identity/internal/tokens"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// parseTokenRequest reads a JSON or form-encoded body. Credentials from
// HTTP Basic auth take precedence over body parameters. The second return
// value reports whether Basic auth was used.
func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, false, apperrors.InvalidRequest("invalid request body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, false, apperrors.InvalidRequest("invalid form data")
		}

		req = tokenRequest{
			GrantType:    r.PostFormValue("grant_type"),
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
			RefreshToken: r.PostFormValue("refresh_token"),
			Scope:        r.PostFormValue("scope"),
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
		}
	}

	id, secret, ok := r.BasicAuth()
	if !ok {
		return req, false, nil
	}

	// RFC 6749 Section 2.3.1: Basic credentials are form-urlencoded.
	var err error
	if req.ClientID, err = url.QueryUnescape(id); err != nil {
		return req, true, apperrors.InvalidClient("malformed client credentials")
	}

	if req.ClientSecret, err = url.QueryUnescape(secret); err != nil {
		return req, true, apperrors.InvalidClient("malformed client credentials")
	}

	return req, true, nil
}

// TokenConfig wires the /token handler.
type TokenConfig struct {
	Issuer   *tokens.Issuer
	Recorder Recorder
	Logger   *slog.Logger
}

// HandleToken returns the /token handler for the authorization_code and
// refresh_token grants.
func HandleToken(cfg TokenConfig) http.HandlerFunc {
	rec := recorderOrNop(cfg.Recorder)
	logger := cfg.Logger

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req, basic, err := parseTokenRequest(w, r)
		if err != nil {
			tokenError(w, logger, rec, "token", basic, err)
			return
		}

		var set *tokens.TokenSet

		switch registry.GrantType(req.GrantType) {
		case registry.GrantAuthorizationCode:
			set, err = cfg.Issuer.Exchange(r.Context(), tokens.ExchangeRequest{
				ClientID:     req.ClientID,
				ClientSecret: req.ClientSecret,
				Code:         req.Code,
				CodeVerifier: req.CodeVerifier,
				RedirectURI:  req.RedirectURI,
			})
		case registry.GrantRefreshToken:
			set, err = cfg.Issuer.Refresh(r.Context(), tokens.RefreshRequest{
				ClientID:     req.ClientID,
				ClientSecret: req.ClientSecret,
				RefreshToken: req.RefreshToken,
				Scope:        req.Scope,
			})
		case "":
			err = apperrors.InvalidRequest("grant_type is required")
		default:
			err = apperrors.UnsupportedGrantType("grant_type " + req.GrantType + " is not supported")
		}

		if err != nil {
			tokenError(w, logger, rec, "token", basic, err)
			return
		}

		rec.TokenIssued(req.GrantType, req.ClientID)

		logger.Info("tokens issued",
			slog.String("grant_type", req.GrantType),
			slog.String("client_id", req.ClientID),
			slog.Bool("refresh", set.RefreshToken != ""),
		)

		// RFC 6749 Section 5.1.
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		writeJSON(w, http.StatusOK, set)
	}
}

func tokenError(w http.ResponseWriter, logger *slog.Logger, rec Recorder, endpoint string, basic bool, err error) {
	if basic && errors.Is(err, apperrors.ErrInvalidClient) {
		w.Header().Set("WWW-Authenticate", `Basic realm="pipster-identity"`)
	}

	w.Header().Set("Pragma", "no-cache")
	writeOAuthError(w, logger, rec, endpoint, err)
}
