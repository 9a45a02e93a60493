package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// Flag layer sources persisted by the store. Stored records are the third
// layer and live in the records table itself.
const (
	SourceAutomated = "automated"
	SourceManual    = "manual"
)

// Store defines the interface for dataset, record and flag layer storage.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	// SaveDataset creates or updates a dataset. Upserts on name and keeps the
	// original creation time.
	SaveDataset(ctx context.Context, d *Dataset) error

	// GetDataset retrieves a dataset by name. Returns nil, nil when absent.
	GetDataset(ctx context.Context, name string) (*Dataset, error)

	// GetDatasets retrieves all datasets ordered by name.
	GetDatasets(ctx context.Context) ([]Dataset, error)

	// SaveRecords stores records in batched transactions. Upserts on
	// (dataset, sample_id).
	SaveRecords(ctx context.Context, recs []Record) error

	// GetRecords retrieves the records of a dataset in import order.
	GetRecords(ctx context.Context, dataset string) ([]Record, error)

	// GetRecordCount returns the number of records in a dataset.
	GetRecordCount(ctx context.Context, dataset string) (int, error)

	// GetDataRange returns the oldest and newest collection times of a dataset.
	// Both are zero when no record carries a collection time.
	GetDataRange(ctx context.Context, dataset string) (oldest, newest time.Time, err error)

	// SaveFlags stores flag entries in batched transactions. Upserts on
	// (dataset, sample_id, column, source).
	SaveFlags(ctx context.Context, entries []FlagEntry) error

	// GetFlags retrieves the flag entries of one source. An empty source
	// returns every source.
	GetFlags(ctx context.Context, dataset, source string) ([]FlagEntry, error)

	// Close closes the database connection.
	Close() error
}

// Dataset is the database model for an imported table.
type Dataset struct {
	Name string
	// Key is the sample identifier column.
	Key string
	// Columns keeps the imported column order.
	Columns   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is one imported sample. Payload holds every column value of the row.
type Record struct {
	Dataset     string
	SampleID    string
	Position    int
	CollectedAt *time.Time
	Payload     record.Row
	ImportedAt  time.Time
}

// FlagEntry is one flag value written by automated QC or by a reviewer.
type FlagEntry struct {
	Dataset   string
	SampleID  string
	Column    string
	Source    string
	Value     string
	BatchID   string
	Reviewer  string
	UpdatedAt time.Time
}

func encodePayload(r record.Row) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(b []byte) (record.Row, error) {
	var r record.Row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if r == nil {
		r = record.Row{}
	}
	return r, nil
}

func encodeColumns(cols []string) (string, error) {
	if cols == nil {
		cols = []string{}
	}
	b, err := json.Marshal(cols)
	if err != nil {
		return "", fmt.Errorf("encoding columns: %w", err)
	}
	return string(b), nil
}

func decodeColumns(b []byte) ([]string, error) {
	var cols []string
	if err := json.Unmarshal(b, &cols); err != nil {
		return nil, fmt.Errorf("decoding columns: %w", err)
	}
	return cols, nil
}
