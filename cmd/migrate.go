package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/config"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
)

var dryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	rootCmd.AddCommand(migrateCmd)
}

// dbOpener is satisfied by both SQLiteStore and PostgresStore.
type dbOpener interface {
	DB() *sql.DB
	Close() error
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if dryRun {
		slog.Info("dry run mode, showing pending migrations")
		return showPendingMigrations(cfg)
	}

	// Opening the store automatically runs migrations.
	s, err := store.Open(cfg.Storage.Driver, cfg.DSN())
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	if o, ok := s.(dbOpener); ok {
		if v, err := goose.GetDBVersion(o.DB()); err == nil {
			slog.Info("migrations complete", "version", v)
			return nil
		}
	}
	slog.Info("migrations complete")
	return nil
}

func showPendingMigrations(cfg *config.Config) error {
	fsys, dir, dialect, err := store.Migrations(cfg.Storage.Driver)
	if err != nil {
		return err
	}

	driverName := "sqlite"
	if cfg.Storage.Driver == "postgres" {
		driverName = "pgx"
	}
	db, err := sql.Open(driverName, cfg.DSN())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck

	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		current = 0
	}

	all, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return fmt.Errorf("collecting migrations: %w", err)
	}
	pending := 0
	for _, m := range all {
		if m.Version > current {
			pending++
			slog.Info("pending migration", "version", m.Version, "source", m.Source)
		}
	}

	slog.Info("migration status", "current_version", current, "pending", pending, "driver", cfg.Storage.Driver)
	return nil
}
