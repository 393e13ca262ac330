package health

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pipster/pipster-identity/internal/tokens"
)

//go:generate mockgen -destination=mocks/mock_checks.go -package=mocks -source=checks.go StoreProbe,DiscoveryProvider

// Check names.
const (
	CheckDatabase = "database"
	CheckIssuer   = "issuer"
)

// StoreProbe is the view of the credential store the database check needs.
// *state.State implements it.
type StoreProbe interface {
	Ping(ctx context.Context) error
	PendingMigrations(ctx context.Context) ([]string, error)
}

// DiscoveryProvider produces the discovery document. *tokens.Issuer
// implements it.
type DiscoveryProvider interface {
	Discovery(ctx context.Context) (*tokens.DiscoveryDocument, error)
}

// DatabaseCheck pings the store. Pending migrations are reported in the
// data map but do not fail the check.
func DatabaseCheck(store StoreProbe, logger *slog.Logger) Checker {
	return NewCheckerFunc(CheckDatabase, func(ctx context.Context) Result {
		if err := store.Ping(ctx); err != nil {
			logger.Error("database health check failed", slog.String("error", err.Error()))

			return Unhealthy("Database health check failed", err, map[string]any{
				"database": "bbolt",
				"error":    err.Error(),
			})
		}

		pending, err := store.PendingMigrations(ctx)
		if err != nil {
			logger.Error("reading pending migrations failed", slog.String("error", err.Error()))

			return Unhealthy("Database health check failed", err, map[string]any{
				"database": "bbolt",
				"error":    err.Error(),
			})
		}

		data := map[string]any{
			"database":           "bbolt",
			"connection":         "healthy",
			"pending_migrations": len(pending) > 0,
		}

		if len(pending) > 0 {
			data["pending_migration_count"] = len(pending)
			logger.Warn("database is healthy but has pending migrations", slog.Int("count", len(pending)))
		}

		return Healthy("Database is healthy", data)
	})
}

// IssuerCheck materializes the discovery document.
func IssuerCheck(issuer DiscoveryProvider, logger *slog.Logger) Checker {
	return NewCheckerFunc(CheckIssuer, func(ctx context.Context) Result {
		doc, err := issuer.Discovery(ctx)
		if err == nil && (doc == nil || doc.Issuer == "") {
			err = errors.New("discovery document is empty")
		}

		if err != nil {
			logger.Error("issuer health check failed", slog.String("error", err.Error()))

			return Unhealthy("Issuer health check failed", err, map[string]any{
				"issuer": "unhealthy",
				"error":  err.Error(),
			})
		}

		return Healthy("Issuer is healthy", map[string]any{
			"issuer":             "operational",
			"discovery_endpoint": "healthy",
		})
	})
}
