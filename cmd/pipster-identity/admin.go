package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pipster/pipster-identity/internal/config"
	"github.com/pipster/pipster-identity/internal/keys"
	"github.com/pipster/pipster-identity/internal/logging"
	"github.com/pipster/pipster-identity/internal/state"
	"github.com/pipster/pipster-identity/internal/users"
)

// openAdminStore opens the database for an offline admin command.
func openAdminStore() (*state.State, *slog.Logger, error) {
	cfg, err := config.LoadAdmin()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	db, err := state.LoadAt(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading state: %w", err)
	}

	return db, logger, nil
}

// requireSchema refuses to touch an unmigrated database.
func requireSchema(ctx context.Context, db *state.State) error {
	pending, err := db.PendingMigrations(ctx)
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		return fmt.Errorf("%d pending migrations, run `pipster-identity migrate` first", len(pending))
	}

	return nil
}

// readPassword prompts on the terminal without echo. Piped input is read
// as a single line.
func readPassword(in *os.File, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(in.Fd())) {
		b, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(os.Stderr)

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(b), nil
	}

	return readLine(in)
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}

		return "", errors.New("no input")
	}

	return strings.TrimRight(scanner.Text(), "\r"), nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, logger, err := openAdminStore()
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrating: %w", err)
			}

			if len(applied) == 0 {
				logger.Info("schema is up to date", slog.Int("version", state.LatestSchemaVersion()))
				return nil
			}

			logger.Info("applied migrations", slog.Any("migrations", applied))

			return nil
		},
	}
}

func newCreateUserCmd() *cobra.Command {
	var n users.NewUser

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Provision a user for a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, logger, err := openAdminStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := requireSchema(cmd.Context(), db); err != nil {
				return err
			}

			if n.Password, err = readPassword(os.Stdin, "Password: "); err != nil {
				return err
			}

			u, err := users.NewStore(db, logger).Create(cmd.Context(), n)
			if err != nil {
				return fmt.Errorf("creating user: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), u.ID)

			return nil
		},
	}

	cmd.Flags().StringVar(&n.TenantID, "tenant", "", "tenant id from pipster-api")
	cmd.Flags().StringVar(&n.Email, "email", "", "login email")
	cmd.Flags().StringVar(&n.DisplayName, "name", "", "display name")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newSetActiveCmd() *cobra.Command {
	var active bool

	cmd := &cobra.Command{
		Use:   "set-active <user-id>",
		Short: "Suspend or reactivate a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openAdminStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := requireSchema(cmd.Context(), db); err != nil {
				return err
			}

			u, err := users.NewStore(db, logger).SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return fmt.Errorf("updating user: %w", err)
			}

			logger.Info("user updated",
				slog.String("user_id", u.ID),
				slog.String("tenant_id", u.TenantID),
				slog.Bool("active", u.Active),
			)

			return nil
		},
	}

	cmd.Flags().BoolVar(&active, "active", true, "whether the user may sign in")

	return cmd
}

func newListUsersCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "list-users",
		Short: "List users, optionally for one tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, _, err := openAdminStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := requireSchema(cmd.Context(), db); err != nil {
				return err
			}

			list, err := db.ListUsers(cmd.Context(), tenant)
			if err != nil {
				return fmt.Errorf("listing users: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTENANT\tEMAIL\tACTIVE\tLAST LOGIN")

			for _, u := range list {
				last := "-"
				if u.LastLoginAt != nil {
					last = u.LastLoginAt.Format(time.RFC3339)
				}

				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", u.ID, u.TenantID, u.Email, u.Active, last)
			}

			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "only list users of this tenant")

	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print an argon2id hash of a password read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := readPassword(os.Stdin, "Enter password: ")
			if err != nil {
				return err
			}

			if err := users.ValidatePassword(password); err != nil {
				return err
			}

			hash, err := users.HashPassword(password)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), hash)

			return nil
		},
	}
}

func newGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Print a new PEM encoded ES256 signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, err := keys.Generate()
			if err != nil {
				return err
			}

			pem, err := keys.EncodePEM(ks.Signing().Signer)
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(pem)

			return err
		},
	}
}
