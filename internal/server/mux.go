// Package server assembles the HTTP router for pipster-identity.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pipster/pipster-identity/internal/auth"
	"github.com/pipster/pipster-identity/internal/health"
	"github.com/pipster/pipster-identity/internal/metrics"
	"github.com/pipster/pipster-identity/internal/session"
	"github.com/pipster/pipster-identity/internal/tokens"
	"github.com/pipster/pipster-identity/internal/users"
)

// Non-protocol routes.
const (
	PathLogin       = "/account/login"
	PathHealth      = "/health"
	PathHealthReady = "/health/ready"
	PathHealthLive  = "/health/live"
	PathMetrics     = "/metrics"
)

// MuxConfig holds dependencies for building the HTTP router.
type MuxConfig struct {
	Issuer   *tokens.Issuer
	Sessions *session.Manager
	Users    *users.Store
	Health   *health.Aggregator
	// Metrics may be nil, which disables instrumentation and /metrics.
	Metrics  *metrics.Metrics
	LoginURL string
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewMux builds the router with the OpenID provider endpoints, the login
// form, health probes and metrics. userinfo is protected by the bearer
// middleware; every route gets CORS for registered client origins.
func NewMux(cfg MuxConfig) http.Handler {
	reg := cfg.Issuer.Registry()
	logger := cfg.Logger

	var rec auth.Recorder
	if cfg.Metrics != nil {
		rec = cfg.Metrics
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cfg.Metrics.Middleware)
	r.Use(auth.CORS(reg))

	r.HandleFunc(tokens.PathDiscovery, auth.HandleDiscovery(cfg.Issuer, logger))
	r.HandleFunc(tokens.PathJWKS, auth.HandleJWKS(cfg.Issuer.Keys().JWKS))

	r.HandleFunc(tokens.PathAuthorize, auth.HandleAuthorize(auth.AuthorizeConfig{
		Issuer:   cfg.Issuer,
		Sessions: cfg.Sessions,
		LoginURL: cfg.LoginURL,
		Recorder: rec,
		Logger:   logger,
	}))
	r.HandleFunc(tokens.PathToken, auth.HandleToken(auth.TokenConfig{
		Issuer:   cfg.Issuer,
		Recorder: rec,
		Logger:   logger,
	}))
	r.HandleFunc(tokens.PathRevocation, auth.HandleRevocation(cfg.Issuer, rec, logger))
	r.HandleFunc(tokens.PathEndSession, auth.HandleEndSession(reg, cfg.Sessions, logger))

	bearer := auth.BearerMiddleware(cfg.Issuer, logger, cfg.Issuer.IssuerURI())
	r.With(bearer).HandleFunc(tokens.PathUserInfo, auth.HandleUserInfo(cfg.Issuer, rec, logger))

	r.HandleFunc(PathLogin, auth.HandleLogin(auth.LoginConfig{
		Users:         cfg.Users,
		Sessions:      cfg.Sessions,
		LoginURL:      cfg.LoginURL,
		OriginAllowed: reg.IsOriginAllowed,
		Recorder:      rec,
		Logger:        logger,
		Now:           cfg.Now,
	}))

	r.Get(PathHealth, health.DetailedHandler(cfg.Health))
	r.Get(PathHealthReady, health.ReadyHandler(cfg.Health))
	r.Get(PathHealthLive, health.LiveHandler())

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, PathMetrics, cfg.Metrics.Handler())
	}

	return r
}

// requestLogger logs one line per request at debug level, and at warn for
// server errors.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("ip", r.RemoteAddr),
			)
		})
	}
}
