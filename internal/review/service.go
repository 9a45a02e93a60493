// Package review keeps imported sample tables, runs automated QC against them
// and records reviewer decisions as flag layers resolved on read.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/events"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/merge"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/qc"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
)

var (
	// ErrNotFound is returned for unknown datasets.
	ErrNotFound = errors.New("dataset not found")
	// ErrInvalidRequest is returned when a request cannot be applied.
	ErrInvalidRequest = errors.New("invalid review request")
	// ErrBusy is returned when automated QC is already running on a dataset.
	ErrBusy = errors.New("qc already running")
)

// Settings configure automated QC for every dataset of a service.
type Settings struct {
	Tests      *qc.Config
	Options    qc.Options
	Resolver   flags.ColumnResolver
	Precedence []string
	Workers    int
}

// Status tracks automated QC runs of one dataset.
type Status struct {
	Dataset     string    `json:"dataset"`
	Running     bool      `json:"running"`
	Runs        int       `json:"runs"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastBatch   string    `json:"last_batch,omitempty"`
	LastChanged int       `json:"last_changed"`
	ErrorCount  int       `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// Service coordinates imports, automated QC and manual review.
type Service struct {
	store      store.Store
	hub        *events.Hub
	pipeline   *qc.Pipeline
	tests      *qc.Config
	opts       qc.Options
	precedence []string
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	statuses map[string]*Status
}

// NewService creates a review service. Zero settings use the built-in nutrient
// tests, the default column names and the default layer precedence.
func NewService(s store.Store, hub *events.Hub, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = events.NewHub(logger)
	}
	if settings.Tests == nil {
		settings.Tests = qc.DefaultNutrientConfig()
	}
	if settings.Options.Axes.Time == "" {
		settings.Options.Axes.Time = qc.DefaultAxes.Time
	}
	if len(settings.Precedence) == 0 {
		settings.Precedence = merge.DefaultPrecedence
	}
	p := qc.NewPipeline(settings.Resolver, logger)
	p.SetWorkers(settings.Workers)

	return &Service{
		store:      s,
		hub:        hub,
		pipeline:   p,
		tests:      settings.Tests,
		opts:       settings.Options,
		precedence: settings.Precedence,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		statuses:   make(map[string]*Status),
	}
}

// Hub returns the event hub the service publishes to.
func (s *Service) Hub() *events.Hub {
	return s.hub
}

// Resolver returns the flag column resolver in use.
func (s *Service) Resolver() flags.ColumnResolver {
	return s.pipeline.Resolver()
}

// Variables returns the variables the configured tests cover.
func (s *Service) Variables() []string {
	return s.tests.Variables()
}

// Import stores t as dataset name. Rows of an existing dataset are upserted on
// their key and new rows are appended after the stored ones.
func (s *Service) Import(ctx context.Context, name string, t *record.Table) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: dataset name is required", ErrInvalidRequest)
	}
	if t.Key == "" || !t.HasColumn(t.Key) {
		return 0, fmt.Errorf("%w: table has no key column", ErrInvalidRequest)
	}
	if _, err := t.Index(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	now := s.now()
	d := &store.Dataset{Name: name, Key: t.Key, Columns: t.Columns(), CreatedAt: now, UpdatedAt: now}
	existing, err := s.store.GetDataset(ctx, name)
	if err != nil {
		return 0, err
	}
	offset := 0
	if existing != nil {
		if existing.Key != t.Key {
			return 0, fmt.Errorf("%w: dataset %s is keyed on %q, not %q", ErrInvalidRequest, name, existing.Key, t.Key)
		}
		d.CreatedAt = existing.CreatedAt
		d.Columns = unionColumns(existing.Columns, t.Columns())
		if offset, err = s.store.GetRecordCount(ctx, name); err != nil {
			return 0, err
		}
	}
	if err := s.store.SaveDataset(ctx, d); err != nil {
		return 0, err
	}

	recs := make([]store.Record, 0, t.Len())
	for i, r := range t.Rows {
		k, _ := t.KeyOf(i)
		rec := store.Record{
			Dataset:    name,
			SampleID:   k,
			Position:   offset + i,
			Payload:    r,
			ImportedAt: now,
		}
		if ts, ok := r.Time(s.opts.Axes.Time); ok {
			rec.CollectedAt = &ts
		}
		recs = append(recs, rec)
	}
	if err := s.store.SaveRecords(ctx, recs); err != nil {
		return 0, err
	}

	s.logger.Info("imported dataset", "dataset", name, "records", len(recs))
	s.hub.Publish(events.Event{Type: events.TypeImport, Dataset: name, Rows: len(recs), Time: now})
	return len(recs), nil
}

func unionColumns(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, c := range a {
		seen[c] = true
	}
	for _, c := range b {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Table returns the stored records of a dataset as imported.
func (s *Service) Table(ctx context.Context, name string) (*record.Table, error) {
	d, err := s.store.GetDataset(ctx, name)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	recs, err := s.store.GetRecords(ctx, name)
	if err != nil {
		return nil, err
	}
	rows := make([]record.Row, len(recs))
	for i, r := range recs {
		rows[i] = r.Payload
	}
	t := record.FromRows(d.Key, d.Columns, rows)
	if err := t.ParseTimes(s.opts.Axes.Time); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", name, err)
	}
	return t, nil
}

// Resolved returns the dataset with the stored, automated and manual flag
// layers merged in precedence order.
func (s *Service) Resolved(ctx context.Context, name string) (*record.Table, error) {
	stored, err := s.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	layers := map[string]*record.Table{merge.Stored: stored}
	for layer, source := range map[string]string{
		merge.Automated: store.SourceAutomated,
		merge.Manual:    store.SourceManual,
	} {
		entries, err := s.store.GetFlags(ctx, name, source)
		if err != nil {
			return nil, err
		}
		layers[layer] = flagLayer(stored.Key, entries)
	}
	resolved, err := merge.ResolveNamed(stored.Key, s.precedence, layers)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	return inOrderOf(resolved, stored), nil
}

// flagLayer builds a table keyed on key from flag entries. Empty values are
// not part of the layer.
func flagLayer(key string, entries []store.FlagEntry) *record.Table {
	t := record.New(key)
	pos := make(map[string]int)
	for _, e := range entries {
		if e.Value == "" {
			continue
		}
		t.AddColumn(e.Column)
		i, ok := pos[e.SampleID]
		if !ok {
			i = len(t.Rows)
			pos[e.SampleID] = i
			t.Rows = append(t.Rows, record.Row{key: e.SampleID})
		}
		t.Rows[i][e.Column] = record.ParseValue(e.Value)
	}
	return t
}

// inOrderOf reorders the rows and columns of t to follow ref. Rows and columns
// missing from ref go last.
func inOrderOf(t, ref *record.Table) *record.Table {
	cols := ref.Columns()
	for _, c := range t.Columns() {
		if !ref.HasColumn(c) {
			cols = append(cols, c)
		}
	}
	sel := t.Select(cols...)
	idx, err := sel.Index()
	if err != nil {
		return sel
	}
	out := record.New(sel.Key, sel.Columns()...)
	used := make([]bool, sel.Len())
	for i := range ref.Rows {
		k, ok := ref.KeyOf(i)
		if !ok {
			continue
		}
		if j, ok := idx[k]; ok && !used[j] {
			used[j] = true
			out.Rows = append(out.Rows, sel.Rows[j])
		}
	}
	for j, r := range sel.Rows {
		if !used[j] {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

func (s *Service) layerEntries(dataset, source, batch, reviewer string, t *record.Table) []store.FlagEntry {
	now := s.now()
	var entries []store.FlagEntry
	for i, r := range t.Rows {
		k, ok := t.KeyOf(i)
		if !ok {
			continue
		}
		for _, c := range t.Columns() {
			if c == t.Key {
				continue
			}
			v, ok := record.KeyString(r[c])
			if !ok {
				continue
			}
			entries = append(entries, store.FlagEntry{
				Dataset:   dataset,
				SampleID:  k,
				Column:    c,
				Source:    source,
				Value:     v,
				BatchID:   batch,
				Reviewer:  reviewer,
				UpdatedAt: now,
			})
		}
	}
	return entries
}

func (s *Service) status(name string) *Status {
	st, ok := s.statuses[name]
	if !ok {
		st = &Status{Dataset: name}
		s.statuses[name] = st
	}
	return st
}

// Status returns a snapshot of the QC status of one dataset.
func (s *Service) Status(name string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[name]
	if !ok {
		return Status{Dataset: name}, false
	}
	return *st, true
}

// Statuses returns a snapshot of every tracked dataset ordered by name.
func (s *Service) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dataset < out[j].Dataset })
	return out
}

func (s *Service) begin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status(name)
	if st.Running {
		return false
	}
	st.Running = true
	return true
}

func (s *Service) finish(name string, res *RunResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, ErrNotFound) {
		delete(s.statuses, name)
		return
	}
	st := s.status(name)
	st.Running = false
	if err != nil {
		st.ErrorCount++
		st.LastError = err.Error()
		return
	}
	st.Runs++
	st.LastRunAt = s.now()
	st.LastBatch = res.BatchID
	st.LastChanged = res.Changed
}

func newBatchID() string {
	return uuid.New().String()
}
