// Package auth serves the HTTP endpoints of the identity service: the
// OAuth authorize, token, revocation and userinfo endpoints, the login and
// end-session pages, discovery metadata and the bearer middleware.
package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/pipster/pipster-identity/internal/errors"
)

// maxRequestBody caps form and JSON bodies.
const maxRequestBody = 64 << 10

// Recorder receives protocol events. *metrics.Metrics implements it.
type Recorder interface {
	LoginAttempt(outcome string)
	TokenIssued(grantType, clientID string)
	OAuthError(endpoint, code string)
}

type nopRecorder struct{}

func (nopRecorder) LoginAttempt(string) {}
func (nopRecorder) TokenIssued(string, string) {}
func (nopRecorder) OAuthError(string, string) {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}

	return r
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSONBody(w, status, v)
}

// writeJSONBody encodes v without touching Content-Type.
func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}

// writeOAuthError renders err as an RFC 6749 error body. Errors that are
// not *OAuthError are logged and reported as server_error without detail.
func writeOAuthError(w http.ResponseWriter, logger *slog.Logger, rec Recorder, endpoint string, err error) {
	var oe *apperrors.OAuthError
	if !errors.As(err, &oe) {
		logger.Error("request failed", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
	}

	oe = apperrors.AsOAuth(err)
	rec.OAuthError(endpoint, oe.Code)

	writeJSONError(w, oe.Status, oe.Code, oe.Description)
}

// appendQuery adds params to uri, keeping any existing query component
// (RFC 6749 Section 4.1.2).
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// localPath reports whether target is a same-origin absolute path, which
// is the only form of return_url the login endpoint will redirect to.
func localPath(target string) bool {
	if target == "" || target[0] != '/' {
		return false
	}

	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}

	u, err := url.Parse(target)

	return err == nil && u.Scheme == "" && u.Host == ""
}
