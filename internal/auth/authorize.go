package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
	"github.com/pipster/pipster-identity/internal/session"
	"github.com/pipster/pipster-identity/internal/tokens"
)

// SessionValidator reads the browser session. *session.Manager
// implements it.
type SessionValidator interface {
	Validate(r *http.Request) (*session.Session, *http.Cookie, error)
	Clear() *http.Cookie
}

// AuthorizeConfig wires the /authorize handler.
type AuthorizeConfig struct {
	Issuer   *tokens.Issuer
	Sessions SessionValidator
	LoginURL string
	Recorder Recorder
	Logger   *slog.Logger
}

// HandleAuthorize returns the /authorize handler. Requests that fail
// client or redirect validation get a JSON error; every later failure is
// redirected back to the client. Without a session the user-agent is sent
// to the login page with the full authorize URL as return_url.
func HandleAuthorize(cfg AuthorizeConfig) http.HandlerFunc {
	rec := recorderOrNop(cfg.Recorder)
	logger := cfg.Logger

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		req := tokens.AuthorizeRequest{
			ClientID:            q.Get("client_id"),
			RedirectURI:         q.Get("redirect_uri"),
			ResponseType:        q.Get("response_type"),
			Scope:               q.Get("scope"),
			State:               q.Get("state"),
			Nonce:               q.Get("nonce"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
		}

		params, err := cfg.Issuer.ValidateAuthorize(req)
		if err != nil {
			oe := apperrors.AsOAuth(err)

			logger.Debug("authorize request rejected",
				slog.String("client_id", req.ClientID),
				slog.String("error", oe.Code),
			)

			// RFC 6749 Section 4.1.2.1: never redirect to an
			// unverified client or redirect URI.
			if errors.Is(err, apperrors.ErrInvalidClient) || errors.Is(err, apperrors.ErrInvalidRedirect) {
				writeOAuthError(w, logger, rec, "authorize", oe)
				return
			}

			rec.OAuthError("authorize", oe.Code)
			redirectWithError(w, r, req.RedirectURI, req.State, oe.Code, oe.Description)

			return
		}

		sess, renewed, err := cfg.Sessions.Validate(r)
		if renewed != nil {
			http.SetCookie(w, renewed)
		}

		if err != nil {
			switch {
			case errors.Is(err, session.ErrNoSession):
			case errors.Is(err, session.ErrSessionExpired),
				errors.Is(err, session.ErrSessionInvalid),
				errors.Is(err, session.ErrSessionUserInactive):
				http.SetCookie(w, cfg.Sessions.Clear())
			default:
				logger.Error("session validation failed", slog.String("error", err.Error()))
				rec.OAuthError("authorize", apperrors.CodeServerError)
				redirectWithError(w, r, params.RedirectURI, params.State, apperrors.CodeServerError, "internal server error")

				return
			}

			login := url.Values{}
			login.Set("return_url", r.URL.RequestURI())
			http.Redirect(w, r, appendQuery(cfg.LoginURL, login), http.StatusFound)

			return
		}

		code, err := cfg.Issuer.IssueCode(r.Context(), params, sess.User, sess.AuthTime)
		if err != nil {
			logger.Error("issuing authorization code failed",
				slog.String("client_id", params.Client.ID),
				slog.String("error", err.Error()),
			)
			rec.OAuthError("authorize", apperrors.CodeServerError)
			redirectWithError(w, r, params.RedirectURI, params.State, apperrors.CodeServerError, "internal server error")

			return
		}

		out := url.Values{}
		out.Set("code", code)

		if params.State != "" {
			out.Set("state", params.State)
		}

		// RFC 9207: include the issuer identifier to prevent mix-up attacks.
		out.Set("iss", cfg.Issuer.IssuerURI())

		http.Redirect(w, r, appendQuery(params.RedirectURI, out), http.StatusFound)
	}
}
