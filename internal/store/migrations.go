package store

import (
	"fmt"
	"io/fs"
)

// Migrations returns the embedded migration files of a storage driver with
// their directory and goose dialect.
func Migrations(driver string) (fsys fs.FS, dir, dialect string, err error) {
	switch driver {
	case "sqlite":
		return migrations, "migrations", "sqlite3", nil
	case "postgres":
		return pgMigrations, "pgmigrations", "postgres", nil
	}
	return nil, "", "", fmt.Errorf("unknown storage driver: %s", driver)
}

// Open opens the store of a storage driver. Migrations run on open.
func Open(driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "sqlite":
		s, err = NewSQLiteStore(dsn)
	case "postgres":
		s, err = NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
