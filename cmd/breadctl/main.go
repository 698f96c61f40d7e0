// Command breadctl manages Breadbox users and the signing secret.
//
// It writes the credential database directly. A running server picks up
// the changes on SIGHUP.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipico/breadbox/internal/credentials"
	"github.com/sipico/breadbox/internal/keyhash"
	"github.com/sipico/breadbox/internal/storage"
)

const defaultDatabasePath = "/data/breadbox.db"

// app carries state shared by every subcommand.
type app struct {
	dbPath  string
	verbose bool
	jsonOut bool
	params  keyhash.Params
}

// openStore opens the database and loads every user. The caller closes the
// returned storage.
func (a *app) openStore(ctx context.Context, stderr io.Writer) (*credentials.Store, *storage.SQLiteStorage, error) {
	db, err := storage.New(a.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", a.dbPath, err)
	}

	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	store, err := credentials.New(ctx, db, keyhash.New(a.params), credentials.WithLogger(logger))
	if err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, nil, err
	}
	return store, db, nil
}

// withStore runs fn against an open store and closes it afterwards.
func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, store *credentials.Store) error) error {
	ctx := cmd.Context()
	store, db, err := a.openStore(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck
	return fn(ctx, store)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "breadctl",
		Short:         "Manage Breadbox users and secrets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	dbDefault := os.Getenv("DATABASE_PATH")
	if dbDefault == "" {
		dbDefault = defaultDatabasePath
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", dbDefault, "credential database path (env DATABASE_PATH)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log every change")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "output as JSON")

	root.AddCommand(newUserCmd(a), newSecretCmd())
	return root
}

func main() {
	a := &app{params: keyhash.DefaultParams}
	if err := newRootCmd(a).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "breadctl: %v\n", err)
		os.Exit(1)
	}
}
