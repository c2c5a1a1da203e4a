// Command rosterctl is the operator tool for the roster services: schema
// migration, account management, inline imports and job inspection.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"rosterhub/internal/util"
	"rosterhub/pkg/domain"
	"rosterhub/pkg/store"
)

// rosterStore is what the commands need from persistence.
type rosterStore interface {
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	DeleteUser(ctx context.Context, id string) error
	CreateCollaborators(ctx context.Context, cs []domain.Collaborator) error
}

type migrator interface {
	Migrate(ctx context.Context) error
}

type globalOptions struct {
	databaseURL string
	redisAddr   string
	logLevel    string
}

// env carries the command dependencies so tests can swap the store.
type env struct {
	opts      globalOptions
	openStore func(ctx context.Context, dsn string) (rosterStore, func() error, error)
}

func defaultEnv() *env {
	return &env{
		openStore: func(_ context.Context, dsn string) (rosterStore, func() error, error) {
			if strings.TrimSpace(dsn) == "" {
				return nil, nil, errors.New("database url required (--database-url or DATABASE_URL)")
			}
			s, err := store.NewGormStore(dsn)
			if err != nil {
				return nil, nil, err
			}
			return s, s.Close, nil
		},
	}
}

func (e *env) store(ctx context.Context) (rosterStore, func() error, error) {
	return e.openStore(ctx, e.opts.databaseURL)
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:           "rosterctl",
		Short:         "Operate the roster services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			util.InitLogger(e.opts.logLevel)
		},
	}
	root.PersistentFlags().StringVar(&e.opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	root.PersistentFlags().StringVar(&e.opts.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "Redis address, used to invalidate list caches after an import")
	root.PersistentFlags().StringVar(&e.opts.logLevel, "log-level", "warn", "Log level")

	root.AddCommand(newMigrateCmd(e), newUserCmd(e), newImportCmd(e), newJobCmd())
	return root
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeStore, err := e.store(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			m, ok := s.(migrator)
			if !ok {
				return errors.New("store does not support migrations")
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, e *env) int {
	root := newRootCmd(e)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultEnv())
	stop()
	os.Exit(code)
}
