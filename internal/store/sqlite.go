package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqliteTimeLayout keeps stored timestamps fixed-width so text ordering matches
// time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database, sets file permissions, and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	// Set pragmas for performance and safety.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := os.Chmod(dsn, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) SaveDataset(ctx context.Context, d *Dataset) error {
	cols, err := encodeColumns(d.Columns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasets (name, key_column, columns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			key_column=excluded.key_column,
			columns=excluded.columns,
			updated_at=excluded.updated_at`,
		d.Name, d.Key, cols, sqliteTime(d.CreatedAt), sqliteTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving dataset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, key_column, columns, created_at, updated_at
		FROM datasets WHERE name = ?`, name)
	d, err := scanDataset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting dataset: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) GetDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, key_column, columns, created_at, updated_at
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

func (s *SQLiteStore) SaveRecords(ctx context.Context, recs []Record) error {
	const batchSize = 100
	for i := 0; i < len(recs); i += batchSize {
		end := min(i+batchSize, len(recs))
		if err := s.saveRecordBatch(ctx, recs[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) saveRecordBatch(ctx context.Context, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (dataset, sample_id, position, collected_at, payload, imported_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset, sample_id) DO UPDATE SET
			position=excluded.position,
			collected_at=excluded.collected_at,
			payload=excluded.payload,
			imported_at=excluded.imported_at`)
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
			collected = sqliteTime(*r.CollectedAt)
		}
		if _, err := stmt.ExecContext(ctx,
			r.Dataset, r.SampleID, r.Position, collected, payload, sqliteTime(r.ImportedAt),
		); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.SampleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecords(ctx context.Context, dataset string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset, sample_id, position, collected_at, payload, imported_at
		FROM records
		WHERE dataset = ?
		ORDER BY position, sample_id`, dataset)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanRecords(rows)
}

func (s *SQLiteStore) GetRecordCount(ctx context.Context, dataset string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE dataset = ?`, dataset).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetDataRange(ctx context.Context, dataset string) (oldest, newest time.Time, err error) {
	var oldestRaw, newestRaw any
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(collected_at), MAX(collected_at)
		FROM records
		WHERE dataset = ?`, dataset).Scan(&oldestRaw, &newestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("querying data range: %w", err)
	}
	if oldestRaw == nil || newestRaw == nil {
		return time.Time{}, time.Time{}, nil
	}

	oldest, err = parseTimestamp(oldestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing oldest: %w", err)
	}
	newest, err = parseTimestamp(newestRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing newest: %w", err)
	}
	return oldest, newest, nil
}

func (s *SQLiteStore) SaveFlags(ctx context.Context, entries []FlagEntry) error {
	const batchSize = 100
	for i := 0; i < len(entries); i += batchSize {
		end := min(i+batchSize, len(entries))
		if err := s.saveFlagBatch(ctx, entries[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) saveFlagBatch(ctx context.Context, entries []FlagEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flags (dataset, sample_id, column_name, source, value, batch_id, reviewer, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset, sample_id, column_name, source) DO UPDATE SET
			value=excluded.value,
			batch_id=excluded.batch_id,
			reviewer=excluded.reviewer,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.Dataset, e.SampleID, e.Column, e.Source, e.Value, e.BatchID, e.Reviewer, sqliteTime(e.UpdatedAt),
		); err != nil {
			return fmt.Errorf("inserting flag %s/%s: %w", e.SampleID, e.Column, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFlags(ctx context.Context, dataset, source string) ([]FlagEntry, error) {
	q := `SELECT dataset, sample_id, column_name, source, value, batch_id, reviewer, updated_at
		FROM flags WHERE dataset = ?`
	args := []any{dataset}
	if source != "" {
		q += ` AND source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY sample_id, column_name, source`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying flags: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanFlags(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Shared helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseTimestamp handles both time.Time and string timestamp values from SQLite.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05+00:00",
			"2006-01-02 15:04:05 +0000 UTC",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", t)
	case []byte:
		return parseTimestamp(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}
}

func scanDataset(row scanner) (*Dataset, error) {
	var d Dataset
	var cols []byte
	var createdRaw, updatedRaw any
	if err := row.Scan(&d.Name, &d.Key, &cols, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	var err error
	if d.Columns, err = decodeColumns(cols); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTimestamp(createdRaw); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTimestamp(updatedRaw); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var result []Record
	for rows.Next() {
		var r Record
		var collectedRaw, importedRaw any
		var payload []byte
		if err := rows.Scan(&r.Dataset, &r.SampleID, &r.Position, &collectedRaw, &payload, &importedRaw); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if collectedRaw != nil {
			ts, err := parseTimestamp(collectedRaw)
			if err != nil {
				return nil, fmt.Errorf("parsing collected_at: %w", err)
			}
			r.CollectedAt = &ts
		}
		ts, err := parseTimestamp(importedRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing imported_at: %w", err)
		}
		r.ImportedAt = ts
		if r.Payload, err = decodePayload(payload); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanFlags(rows *sql.Rows) ([]FlagEntry, error) {
	var result []FlagEntry
	for rows.Next() {
		var e FlagEntry
		var updatedRaw any
		if err := rows.Scan(&e.Dataset, &e.SampleID, &e.Column, &e.Source, &e.Value,
			&e.BatchID, &e.Reviewer, &updatedRaw); err != nil {
			return nil, fmt.Errorf("scanning flag: %w", err)
		}
		ts, err := parseTimestamp(updatedRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		e.UpdatedAt = ts
		result = append(result, e)
	}
	return result, rows.Err()
}

// replacePlaceholders converts ? to $1, $2, $3 etc for postgres.
func replacePlaceholders(query string) string {
	result := make([]byte, 0, len(query))
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, fmt.Sprintf("$%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
