package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pipster/pipster-identity/internal/tokens"
)

type contextKey int

const (
	ctxClaims contextKey = iota
	ctxRemoteIP
)

// AccessValidator validates bearer access tokens. *tokens.Issuer
// implements it.
type AccessValidator interface {
	ValidateAccessToken(ctx context.Context, raw string) (*tokens.AccessClaims, error)
}

// RequestClaims returns the validated access token claims from the
// context, or nil.
func RequestClaims(ctx context.Context) *tokens.AccessClaims {
	v, _ := ctx.Value(ctxClaims).(*tokens.AccessClaims)
	return v
}

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	if c := RequestClaims(ctx); c != nil {
		return c.Subject
	}

	return ""
}

// RequestClientID returns the OAuth client ID from the context, or "".
func RequestClientID(ctx context.Context) string {
	if c := RequestClaims(ctx); c != nil {
		return c.ClientID
	}

	return ""
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// bearerToken extracts the token from an Authorization header. The scheme
// is case-insensitive (RFC 7235 Section 2.1).
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}

// BearerMiddleware returns HTTP middleware that validates Bearer access
// tokens. Unauthenticated requests get a 401 with an RFC 6750
// WWW-Authenticate challenge.
func BearerMiddleware(validator AccessValidator, logger *slog.Logger, realm string) func(http.Handler) http.Handler {
	// RFC 6750 Section 3.1: no error attribute when no token was provided.
	wwwAuthNoToken := fmt.Sprintf(`Bearer realm="%s"`, realm)
	// error="invalid_token" signals the client should attempt a refresh.
	wwwAuthInvalid := fmt.Sprintf(`Bearer realm="%s", error="invalid_token"`, realm)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			token, ok := bearerToken(r)
			if !ok {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			claims, err := validator.ValidateAccessToken(r.Context(), token)
			if err != nil {
				logger.Debug("middleware: invalid bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via bearer token",
				slog.String("user_id", claims.Subject),
				slog.String("client_id", claims.ClientID),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxClaims, claims)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
