package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/events"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/merge"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/qc"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
)

// mockStore implements store.Store in memory for testing.
type mockStore struct {
	mu       sync.Mutex
	datasets map[string]store.Dataset
	records  map[string]map[string]store.Record
	flags    map[string]store.FlagEntry
	saveErr  error // If set, SaveFlags returns this error.
}

func newMockStore() *mockStore {
	return &mockStore{
		datasets: make(map[string]store.Dataset),
		records:  make(map[string]map[string]store.Record),
		flags:    make(map[string]store.FlagEntry),
	}
}

func (m *mockStore) SaveDataset(_ context.Context, d *store.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[d.Name] = *d
	return nil
}

func (m *mockStore) GetDataset(_ context.Context, name string) (*store.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.datasets[name]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *mockStore) GetDatasets(_ context.Context) ([]store.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Dataset
	for _, d := range m.datasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *mockStore) SaveRecords(_ context.Context, recs []store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		if _, ok := m.datasets[r.Dataset]; !ok {
			return fmt.Errorf("unknown dataset %s", r.Dataset)
		}
		if m.records[r.Dataset] == nil {
			m.records[r.Dataset] = make(map[string]store.Record)
		}
		// Round-trip the payload the way a database would.
		r.Payload = r.Payload.Clone()
		for k, v := range r.Payload {
			if ts, ok := v.(time.Time); ok {
				r.Payload[k] = ts.Format(time.RFC3339Nano)
			}
		}
		m.records[r.Dataset][r.SampleID] = r
	}
	return nil
}

func (m *mockStore) GetRecords(_ context.Context, dataset string) ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Record
	for _, r := range m.records[dataset] {
		r.Payload = r.Payload.Clone()
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *mockStore) GetRecordCount(_ context.Context, dataset string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[dataset]), nil
}

func (m *mockStore) GetDataRange(_ context.Context, _ string) (time.Time, time.Time, error) {
	return time.Time{}, time.Time{}, nil
}

func (m *mockStore) SaveFlags(_ context.Context, entries []store.FlagEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, e := range entries {
		m.flags[e.Dataset+"/"+e.SampleID+"/"+e.Column+"/"+e.Source] = e
	}
	return nil
}

func (m *mockStore) GetFlags(_ context.Context, dataset, source string) ([]store.FlagEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.FlagEntry
	for _, e := range m.flags {
		if e.Dataset == dataset && (source == "" || e.Source == source) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SampleID != out[j].SampleID {
			return out[i].SampleID < out[j].SampleID
		}
		return out[i].Column < out[j].Column
	})
	return out, nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) flagCount(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.flags {
		if e.Source == source {
			n++
		}
	}
	return n
}

const scenarioYAML = `
contexts:
  - streams:
      x:
        gross_range_test: {suspect_span: [0, 36], fail_span: [0, 40]}
        spike_test: {suspect_threshold: 2, fail_threshold: 3, method: differential}
`

var base = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, ms *mockStore, precedence []string) *Service {
	t.Helper()
	tests, err := qc.Parse([]byte(scenarioYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return NewService(ms, events.NewHub(testLogger()), Settings{
		Tests:      tests,
		Options:    qc.Options{GroupBy: []string{"site_id", "line_out_depth"}},
		Precedence: precedence,
	}, testLogger())
}

// scenarioTable builds s1..sN a day apart with the given x values and stored
// x_flag values.
func scenarioTable(values []any, stored []any) *record.Table {
	tbl := record.New("hakai_id", "site_id", "line_out_depth", "collected", "x", "x_flag")
	for i, v := range values {
		var f any
		if i < len(stored) {
			f = stored[i]
		}
		tbl.Append(record.Row{
			"hakai_id":       fmt.Sprintf("s%d", i+1),
			"site_id":        "QU39",
			"line_out_depth": 5.0,
			"collected":      base.AddDate(0, 0, i),
			"x":              v,
			"x_flag":         f,
		})
	}
	return tbl
}

func importScenario(t *testing.T, svc *Service, stored ...any) {
	t.Helper()
	n, err := svc.Import(context.Background(), "nutrients", scenarioTable([]any{10.0, 13.0, 50.0}, stored))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 3 {
		t.Fatalf("Import = %d, want 3", n)
	}
}

func column(t *testing.T, tbl *record.Table, col string) []any {
	t.Helper()
	out := make([]any, tbl.Len())
	for i, r := range tbl.Rows {
		out[i] = r[col]
	}
	return out
}

func TestService_ImportAndTable(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, nil)
	importScenario(t, svc)

	tbl, err := svc.Table(context.Background(), "nutrients")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if tbl.Key != "hakai_id" || tbl.Len() != 3 {
		t.Fatalf("table key %q len %d", tbl.Key, tbl.Len())
	}
	if ts, ok := tbl.Rows[1]["collected"].(time.Time); !ok || !ts.Equal(base.AddDate(0, 0, 1)) {
		t.Errorf("collected = %v, want parsed time", tbl.Rows[1]["collected"])
	}
	if diff := cmp.Diff([]any{10.0, 13.0, 50.0}, column(t, tbl, "x")); diff != "" {
		t.Errorf("x mismatch (-want +got):\n%s", diff)
	}
	rec := ms.records["nutrients"]["s1"]
	if rec.CollectedAt == nil || !rec.CollectedAt.Equal(base) {
		t.Errorf("collected_at = %v, want %v", rec.CollectedAt, base)
	}
}

func TestService_ImportErrors(t *testing.T) {
	svc := newTestService(t, newMockStore(), nil)
	ctx := context.Background()

	dup := scenarioTable([]any{1.0, 2.0}, nil)
	dup.Rows[1]["hakai_id"] = "s1"
	if _, err := svc.Import(ctx, "nutrients", dup); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("duplicate keys error = %v, want ErrInvalidRequest", err)
	}
	if _, err := svc.Import(ctx, "", scenarioTable([]any{1.0}, nil)); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty name error = %v, want ErrInvalidRequest", err)
	}

	if _, err := svc.Import(ctx, "nutrients", scenarioTable([]any{1.0}, nil)); err != nil {
		t.Fatal(err)
	}
	rekeyed := scenarioTable([]any{1.0}, nil)
	rekeyed.Key = "site_id"
	if _, err := svc.Import(ctx, "nutrients", rekeyed); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("key change error = %v, want ErrInvalidRequest", err)
	}
}

func TestService_TableNotFound(t *testing.T) {
	svc := newTestService(t, newMockStore(), nil)
	if _, err := svc.Table(context.Background(), "ctd"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestService_RunQC(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, nil)
	importScenario(t, svc)
	ctx := context.Background()

	ch, unsub := svc.Hub().Subscribe("nutrients", 4)
	defer unsub()

	res, err := svc.RunQC(ctx, "nutrients", QCRequest{})
	if err != nil {
		t.Fatalf("RunQC: %v", err)
	}
	if res.Scope != ScopeAll || res.Rows != 3 || res.Changed != 3 || res.Values != 6 {
		t.Errorf("result = %+v", res)
	}
	select {
	case e := <-ch:
		if e.Type != events.TypeQC || e.BatchID != res.BatchID {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no qc event published")
	}

	resolved, err := svc.Resolved(ctx, "nutrients")
	if err != nil {
		t.Fatalf("Resolved: %v", err)
	}
	if diff := cmp.Diff([]any{"AV", "SVD", "SVD"}, column(t, resolved, "x_flag")); diff != "" {
		t.Errorf("x_flag mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{1.0, 4.0, 4.0}, column(t, resolved, "x_flag_level_1")); diff != "" {
		t.Errorf("x_flag_level_1 mismatch (-want +got):\n%s", diff)
	}

	// A second run finds nothing new.
	again, err := svc.RunQC(ctx, "nutrients", QCRequest{Scope: ScopeAll})
	if err != nil {
		t.Fatalf("RunQC: %v", err)
	}
	if again.Changed != 0 || again.Values != 0 {
		t.Errorf("second run = %+v, want no changes", again)
	}

	st, ok := svc.Status("nutrients")
	if !ok || st.Runs != 2 || st.Running || st.LastBatch != again.BatchID {
		t.Errorf("status = %+v", st)
	}
}

func TestService_RunQCKeepsOnlyChanges(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, nil)
	importScenario(t, svc, "AV")

	res, err := svc.RunQC(context.Background(), "nutrients", QCRequest{})
	if err != nil {
		t.Fatalf("RunQC: %v", err)
	}
	// s1 already reads AV, only its level 1 code is new.
	if res.Changed != 3 || res.Values != 5 {
		t.Errorf("result = %+v, want 3 rows and 5 values", res)
	}
	if _, ok := ms.flags["nutrients/s1/x_flag/automated"]; ok {
		t.Error("unchanged s1 flag should not be stored")
	}
}

func TestService_RunQCScopes(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown", func(t *testing.T) {
		ms := newMockStore()
		svc := newTestService(t, ms, nil)
		importScenario(t, svc, "SVC")
		res, err := svc.RunQC(ctx, "nutrients", QCRequest{Scope: ScopeUnknown})
		if err != nil {
			t.Fatalf("RunQC: %v", err)
		}
		if res.Rows != 2 || res.Changed != 2 {
			t.Errorf("result = %+v, want 2 rows", res)
		}
		if _, ok := ms.flags["nutrients/s1/x_flag_level_1/automated"]; ok {
			t.Error("flagged s1 is outside the unknown scope")
		}
	})

	t.Run("selection", func(t *testing.T) {
		ms := newMockStore()
		svc := newTestService(t, ms, nil)
		importScenario(t, svc)
		res, err := svc.RunQC(ctx, "nutrients", QCRequest{Scope: ScopeSelection, SampleIDs: []string{"s3"}})
		if err != nil {
			t.Fatalf("RunQC: %v", err)
		}
		if res.Rows != 1 || res.Values != 2 {
			t.Errorf("result = %+v", res)
		}
		if e := ms.flags["nutrients/s3/x_flag/automated"]; e.Value != "SVD" {
			t.Errorf("s3 flag = %q, want SVD", e.Value)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		svc := newTestService(t, newMockStore(), nil)
		importScenario(t, svc)
		for _, req := range []QCRequest{
			{Scope: ScopeSelection},
			{Scope: ScopeSelection, SampleIDs: []string{"nope"}},
			{Scope: "everything"},
		} {
			if _, err := svc.RunQC(ctx, "nutrients", req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("RunQC(%+v) error = %v, want ErrInvalidRequest", req, err)
			}
		}
	})
}

func TestService_RunQCErrors(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, nil)
	ctx := context.Background()

	if _, err := svc.RunQC(ctx, "ctd", QCRequest{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if len(svc.Statuses()) != 0 {
		t.Errorf("unknown dataset should not be tracked: %+v", svc.Statuses())
	}

	importScenario(t, svc)
	if !svc.begin("nutrients") {
		t.Fatal("begin should succeed")
	}
	if _, err := svc.RunQC(ctx, "nutrients", QCRequest{}); !errors.Is(err, ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
	svc.finish("nutrients", &RunResult{}, nil)

	ms.saveErr = errors.New("disk full")
	if _, err := svc.RunQC(ctx, "nutrients", QCRequest{}); err == nil {
		t.Fatal("expected save error")
	}
	st, _ := svc.Status("nutrients")
	if st.ErrorCount != 1 || st.LastError != "disk full" || st.Running {
		t.Errorf("status = %+v", st)
	}
}

func TestService_ManualOverridesAutomated(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, nil)
	importScenario(t, svc)
	ctx := context.Background()

	if _, err := svc.RunQC(ctx, "nutrients", QCRequest{}); err != nil {
		t.Fatal(err)
	}
	res, err := svc.ApplyManual(ctx, "nutrients", ManualRequest{
		Variables: []string{"x"},
		Flag:      "av",
		SampleIDs: []string{"s2"},
		Reviewer:  "jdoe",
	})
	if err != nil {
		t.Fatalf("ApplyManual: %v", err)
	}
	if res.Rows != 1 || res.Values != 1 {
		t.Errorf("result = %+v", res)
	}
	if e := ms.flags["nutrients/s2/x_flag/manual"]; e.Reviewer != "jdoe" || e.Value != "AV" {
		t.Errorf("manual entry = %+v", e)
	}

	resolved, err := svc.Resolved(ctx, "nutrients")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"AV", "AV", "SVD"}, column(t, resolved, "x_flag")); diff != "" {
		t.Errorf("x_flag mismatch (-want +got):\n%s", diff)
	}

	// Automated QC does not undo the reviewer.
	if _, err := svc.RunQC(ctx, "nutrients", QCRequest{}); err != nil {
		t.Fatal(err)
	}
	resolved, err = svc.Resolved(ctx, "nutrients")
	if err != nil {
		t.Fatal(err)
	}
	if got := resolved.Rows[1]["x_flag"]; got != "AV" {
		t.Errorf("s2 x_flag after rerun = %v, want AV", got)
	}
}

func TestService_ManualMatchFlag(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, nil)
	ctx := context.Background()
	if _, err := svc.Import(ctx, "nutrients", scenarioTable([]any{10.0, 13.0, 50.0, 11.0}, []any{"SVD", "UKN", nil, "AV"})); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ApplyManual(ctx, "nutrients", ManualRequest{Variables: []string{"x"}, Flag: "SVC", MatchFlag: "UKN"})
	if err != nil {
		t.Fatalf("ApplyManual: %v", err)
	}
	if res.Rows != 2 {
		t.Errorf("rows = %d, want 2 (UKN and unset)", res.Rows)
	}
	resolved, err := svc.Resolved(ctx, "nutrients")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"SVD", "SVC", "SVC", "AV"}, column(t, resolved, "x_flag")); diff != "" {
		t.Errorf("x_flag mismatch (-want +got):\n%s", diff)
	}

	res, err = svc.ApplyManual(ctx, "nutrients", ManualRequest{Variables: []string{"x"}, Flag: "AV", MatchFlag: "SVD"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 {
		t.Errorf("rows = %d, want 1", res.Rows)
	}
}

func TestService_ManualErrors(t *testing.T) {
	svc := newTestService(t, newMockStore(), nil)
	importScenario(t, svc)
	ctx := context.Background()

	for name, req := range map[string]ManualRequest{
		"no variables":     {Flag: "AV", SampleIDs: []string{"s1"}},
		"bad flag":         {Variables: []string{"x"}, Flag: "GOOD", SampleIDs: []string{"s1"}},
		"no target":        {Variables: []string{"x"}, Flag: "AV"},
		"both targets":     {Variables: []string{"x"}, Flag: "AV", SampleIDs: []string{"s1"}, MatchFlag: "SVD"},
		"unknown sample":   {Variables: []string{"x"}, Flag: "AV", SampleIDs: []string{"s9"}},
		"unknown variable": {Variables: []string{"po4"}, Flag: "AV", SampleIDs: []string{"s1"}},
		"bad match flag":   {Variables: []string{"x"}, Flag: "AV", MatchFlag: "??"},
	} {
		if _, err := svc.ApplyManual(ctx, "nutrients", req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: error = %v, want ErrInvalidRequest", name, err)
		}
	}
}

func TestService_FillOnlyKeepsStoredFlags(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, merge.FillOnlyPrecedence)
	importScenario(t, svc, nil, nil, "AV")
	ctx := context.Background()

	if _, err := svc.RunQC(ctx, "nutrients", QCRequest{}); err != nil {
		t.Fatal(err)
	}
	resolved, err := svc.Resolved(ctx, "nutrients")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"AV", "SVD", "AV"}, column(t, resolved, "x_flag")); diff != "" {
		t.Errorf("x_flag mismatch (-want +got):\n%s", diff)
	}
	if got := resolved.Columns(); got[0] != "hakai_id" || got[len(got)-1] != "x_flag_level_1" {
		t.Errorf("columns = %v, want stored order then new columns", got)
	}
	if k := resolved.Rows[0]["hakai_id"]; k != "s1" {
		t.Errorf("first row = %v, want s1", k)
	}
}

func TestService_SummaryAndCasts(t *testing.T) {
	ms := newMockStore()
	svc := newTestService(t, ms, nil)
	ctx := context.Background()
	tbl := scenarioTable([]any{10.0, 13.0, 50.0}, nil)
	tbl.AddColumn("cast")
	for i := range tbl.Rows {
		tbl.Set(i, "cast", "c1")
	}
	if _, err := svc.Import(ctx, "nutrients", tbl); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunQC(ctx, "nutrients", QCRequest{}); err != nil {
		t.Fatal(err)
	}

	shares, err := svc.Summary(ctx, "nutrients", "x")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(shares) != 2 || shares[0].Flag != "AV" || shares[0].Count != 1 || shares[1].Flag != "SVD" || shares[1].Count != 2 {
		t.Errorf("shares = %+v", shares)
	}

	casts, err := svc.CastSuggestions(ctx, "nutrients", "x", "cast")
	if err != nil {
		t.Fatalf("CastSuggestions: %v", err)
	}
	if len(casts) != 1 || casts[0].Cast != "c1" || casts[0].Flag != "SVD" {
		t.Errorf("casts = %+v", casts)
	}
	if _, err := svc.CastSuggestions(ctx, "nutrients", "x", "station"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing cast column error = %v, want ErrInvalidRequest", err)
	}
}
