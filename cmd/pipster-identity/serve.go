package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pipster/pipster-identity/internal/config"
	"github.com/pipster/pipster-identity/internal/health"
	"github.com/pipster/pipster-identity/internal/keys"
	"github.com/pipster/pipster-identity/internal/logging"
	"github.com/pipster/pipster-identity/internal/metrics"
	"github.com/pipster/pipster-identity/internal/registry"
	"github.com/pipster/pipster-identity/internal/server"
	"github.com/pipster/pipster-identity/internal/session"
	"github.com/pipster/pipster-identity/internal/state"
	"github.com/pipster/pipster-identity/internal/tokens"
	"github.com/pipster/pipster-identity/internal/users"
)

const (
	serverReadTimeout  = 30 * time.Second
	serverWriteTimeout = 60 * time.Second
	serverIdleTimeout  = 120 * time.Second
	shutdownTimeout    = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("pipster-identity starting",
		slog.String("version", Version),
		slog.String("environment", cfg.Environment),
		slog.String("issuer", cfg.IssuerURI),
	)

	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := state.LoadAt(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer db.Close()

	if cfg.ShouldAutoMigrate() {
		migrate(ctx, db, logger)
	}

	catalog, err := registry.LoadConfig(cfg.CatalogFile)
	if err != nil {
		return err
	}

	reg, err := registry.Build(catalog)
	if err != nil {
		return fmt.Errorf("building client registry: %w", err)
	}

	keySet, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}

	userStore := users.NewStore(db, logger.With(slog.String("component", "users")),
		users.WithPolicy(users.Policy{
			MaxFailedAttempts: cfg.LockoutThreshold,
			LockoutDuration:   cfg.LockoutDuration,
		}),
	)

	issuer := tokens.New(tokens.Config{
		IssuerURI: cfg.IssuerURI,
		Registry:  reg,
		Keys:      keySet,
		Backend:   db,
		Users:     userStore,
		Logger:    logger.With(slog.String("component", "tokens")),
	})

	sessions, err := session.NewManager(session.Config{
		Secret:   []byte(cfg.SessionSecret),
		Lifetime: cfg.SessionLifetime,
		Issuer:   cfg.IssuerURI,
		Users:    userStore,
		Logger:   logger.With(slog.String("component", "session")),
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	healthLogger := logger.With(slog.String("component", "health"))
	agg := health.NewAggregator(cfg.HealthTimeout, healthLogger,
		health.DatabaseCheck(db, healthLogger),
		health.IssuerCheck(issuer, healthLogger),
	)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Issuer:   issuer,
			Sessions: sessions,
			Users:    userStore,
			Health:   agg,
			Metrics:  metrics.New(),
			LoginURL: cfg.LoginURL,
			Logger:   logger.With(slog.String("component", "http")),
		}),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return db.RunCleanup(gctx, cfg.CleanupInterval, time.Now, logger.With(slog.String("component", "cleanup")))
	})

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.Int("clients", len(catalog.Clients)),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// migrate applies pending migrations. Failures are logged and the server
// keeps starting; the readiness probe reports the pending migrations.
func migrate(ctx context.Context, db *state.State, logger *slog.Logger) {
	applied, err := db.Migrate(ctx)
	if err != nil {
		logger.Error("auto-migration failed", slog.String("error", err.Error()))
		return
	}

	if len(applied) > 0 {
		logger.Info("applied migrations", slog.Any("migrations", applied))
	}
}

func loadKeys(cfg *config.Config, logger *slog.Logger) (*keys.Set, error) {
	if cfg.SigningKeyFile != "" {
		ks, err := keys.Load(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading signing key: %w", err)
		}

		logger.Info("signing key loaded",
			slog.String("kid", ks.Signing().KeyID),
			slog.String("alg", ks.Signing().Algorithm),
		)

		return ks, nil
	}

	ks, err := keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	logger.Warn("using an ephemeral signing key; tokens will not survive a restart",
		slog.String("kid", ks.Signing().KeyID),
	)

	return ks, nil
}
