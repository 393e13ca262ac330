package auth

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/pipster/pipster-identity/internal/registry"
)

// SessionClearer ends the browser session.
type SessionClearer interface {
	Clear() *http.Cookie
}

// HandleEndSession returns the /connect/endsession handler. The session
// cookie is always cleared. The user-agent is redirected only to a
// post_logout_redirect_uri registered for the named client.
func HandleEndSession(reg *registry.Registry, sessions SessionClearer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		http.SetCookie(w, sessions.Clear())

		target := r.Form.Get("post_logout_redirect_uri")
		clientID := r.Form.Get("client_id")

		if target != "" && clientID != "" {
			client, err := reg.Lookup(clientID)
			if err == nil && reg.IsPostLogoutRedirectAllowed(client, target) {
				logger.Debug("session ended", slog.String("client_id", clientID))

				if state := r.Form.Get("state"); state != "" {
					target = appendQuery(target, url.Values{"state": {state}})
				}

				http.Redirect(w, r, target, http.StatusFound)

				return
			}

			logger.Warn("end session: post logout redirect rejected",
				slog.String("client_id", clientID),
				slog.String("post_logout_redirect_uri", target),
			)
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("You have been signed out.\n"))
	}
}
