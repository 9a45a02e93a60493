package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) SaveDataset(ctx context.Context, d *Dataset) error {
	cols, err := encodeColumns(d.Columns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasets (name, key_column, columns, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(name) DO UPDATE SET
			key_column=EXCLUDED.key_column,
			columns=EXCLUDED.columns,
			updated_at=EXCLUDED.updated_at`,
		d.Name, d.Key, cols, d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving dataset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, key_column, columns::text, created_at, updated_at
		FROM datasets WHERE name = $1`, name)
	d, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting dataset: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) GetDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, key_column, columns::text, created_at, updated_at
		FROM datasets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var datasets []Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dataset: %w", err)
		}
		datasets = append(datasets, *d)
	}
	return datasets, rows.Err()
}

func (s *PostgresStore) SaveRecords(ctx context.Context, recs []Record) error {
	const batchSize = 100
	for i := 0; i < len(recs); i += batchSize {
		end := min(i+batchSize, len(recs))
		if err := s.saveRecordBatch(ctx, recs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) saveRecordBatch(ctx context.Context, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (dataset, sample_id, position, collected_at, payload, imported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(dataset, sample_id) DO UPDATE SET
			position=EXCLUDED.position,
			collected_at=EXCLUDED.collected_at,
			payload=EXCLUDED.payload,
			imported_at=EXCLUDED.imported_at`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range recs {
		payload, err := encodePayload(r.Payload)
		if err != nil {
			return err
		}
		var collected any
		if r.CollectedAt != nil {
			collected = r.CollectedAt.UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			r.Dataset, r.SampleID, r.Position, collected, payload, r.ImportedAt.UTC(),
		); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.SampleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecords(ctx context.Context, dataset string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset, sample_id, position, collected_at, payload::text, imported_at
		FROM records
		WHERE dataset = $1
		ORDER BY position, sample_id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanRecords(rows)
}

func (s *PostgresStore) GetRecordCount(ctx context.Context, dataset string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE dataset = $1`, dataset).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetDataRange(ctx context.Context, dataset string) (oldest, newest time.Time, err error) {
	var o, n sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(collected_at), MAX(collected_at)
		FROM records
		WHERE dataset = $1`, dataset).Scan(&o, &n)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying data range: %w", err)
	}
	if !o.Valid || !n.Valid {
		return time.Time{}, time.Time{}, nil
	}
	return o.Time.UTC(), n.Time.UTC(), nil
}

func (s *PostgresStore) SaveFlags(ctx context.Context, entries []FlagEntry) error {
	const batchSize = 100
	for i := 0; i < len(entries); i += batchSize {
		end := min(i+batchSize, len(entries))
		if err := s.saveFlagBatch(ctx, entries[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) saveFlagBatch(ctx context.Context, entries []FlagEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flags (dataset, sample_id, column_name, source, value, batch_id, reviewer, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(dataset, sample_id, column_name, source) DO UPDATE SET
			value=EXCLUDED.value,
			batch_id=EXCLUDED.batch_id,
			reviewer=EXCLUDED.reviewer,
			updated_at=EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.Dataset, e.SampleID, e.Column, e.Source, e.Value, e.BatchID, e.Reviewer, e.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("inserting flag %s/%s: %w", e.SampleID, e.Column, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFlags(ctx context.Context, dataset, source string) ([]FlagEntry, error) {
	q := `SELECT dataset, sample_id, column_name, source, value, batch_id, reviewer, updated_at
		FROM flags WHERE dataset = ?`
	args := []any{dataset}
	if source != "" {
		q += ` AND source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY sample_id, column_name, source`

	rows, err := s.db.QueryContext(ctx, replacePlaceholders(q), args...)
	if err != nil {
		return nil, fmt.Errorf("querying flags: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanFlags(rows)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
