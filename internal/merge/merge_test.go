package merge

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

const key = "hakai_id"

func table(columns []string, rows ...record.Row) *record.Table {
	return record.FromRows(key, columns, rows)
}

// snapshot flattens a table for comparison: columns, then rows in order.
type snapshot struct {
	Columns []string
	Rows    []record.Row
}

func snap(t *record.Table) snapshot {
	return snapshot{Columns: t.Columns(), Rows: t.Rows}
}

func TestMerge_NonNullUpdateWins(t *testing.T) {
	base := table([]string{"po4", "po4_flag"},
		record.Row{key: "a", "po4": 1.0, "po4_flag": "AV"},
		record.Row{key: "b", "po4": 2.0, "po4_flag": "SVC"},
	)
	update := table([]string{"po4_flag", "comments"},
		record.Row{key: "b", "po4_flag": nil, "comments": "rerun"},
		record.Row{key: "a", "po4_flag": "SVD"},
		record.Row{key: "c", "po4_flag": "AV"},
	)

	got, err := Merge(base, update, key)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := snapshot{
		Columns: []string{key, "po4", "po4_flag", "comments"},
		Rows: []record.Row{
			{key: "a", "po4": 1.0, "po4_flag": "SVD"},
			{key: "b", "po4": 2.0, "po4_flag": "SVC", "comments": "rerun"},
			{key: "c", "po4_flag": "AV"},
		},
	}
	if diff := cmp.Diff(want, snap(got)); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	a := table([]string{"x_flag", "y_flag"},
		record.Row{key: "1", "x_flag": "AV", "y_flag": "AV"},
		record.Row{key: "2", "x_flag": "SVC"},
	)
	b := table([]string{"x_flag", "z"},
		record.Row{key: "2", "x_flag": "SVD", "z": 4.0},
		record.Row{key: "3", "x_flag": nil, "z": 1.0},
	)
	ab, err := Merge(a, b, key)
	if err != nil {
		t.Fatalf("Merge(a, b): %v", err)
	}
	abb, err := Merge(ab, b, key)
	if err != nil {
		t.Fatalf("Merge(ab, b): %v", err)
	}
	if diff := cmp.Diff(snap(ab), snap(abb)); diff != "" {
		t.Errorf("merge not idempotent (-ab +abb):\n%s", diff)
	}
}

func TestMerge_NullIsLeftIdentity(t *testing.T) {
	a := table([]string{"x_flag"},
		record.Row{key: "1", "x_flag": "AV"},
		record.Row{key: "2", "x_flag": "SVC"},
	)
	nulls := table([]string{"x_flag"},
		record.Row{key: "1", "x_flag": nil},
		record.Row{key: "2", "x_flag": ""},
	)
	got, err := Merge(a, nulls, key)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if diff := cmp.Diff(snap(a), snap(got)); diff != "" {
		t.Errorf("null update changed base (-want +got):\n%s", diff)
	}
}

func TestMerge_Associative(t *testing.T) {
	a := table([]string{"f"}, record.Row{key: "1", "f": "AV"}, record.Row{key: "2", "f": "AV"})
	b := table([]string{"f"}, record.Row{key: "2", "f": "SVC"}, record.Row{key: "3", "f": "SVC"})
	c := table([]string{"f"}, record.Row{key: "3", "f": "SVD"}, record.Row{key: "1", "f": nil})

	ab, _ := Merge(a, b, key)
	left, err := Merge(ab, c, key)
	if err != nil {
		t.Fatalf("(a+b)+c: %v", err)
	}
	bc, _ := Merge(b, c, key)
	right, err := Merge(a, bc, key)
	if err != nil {
		t.Fatalf("a+(b+c): %v", err)
	}
	if diff := cmp.Diff(snap(left), snap(right)); diff != "" {
		t.Errorf("merge not associative (-left +right):\n%s", diff)
	}
}

func TestMerge_Errors(t *testing.T) {
	good := table([]string{"f"}, record.Row{key: "1", "f": "AV"})

	noKey := record.FromRows("sample", nil, []record.Row{{"sample": "1"}})
	if _, err := Merge(noKey, noKey, key); !errors.Is(err, ErrMissingKey) {
		t.Errorf("missing key: err = %v, want ErrMissingKey", err)
	}

	dup := table(nil, record.Row{key: "1"}, record.Row{key: "1"})
	if _, err := Merge(good, dup, key); !errors.Is(err, record.ErrDuplicateKey) {
		t.Errorf("duplicate key: err = %v, want ErrDuplicateKey", err)
	}

	null := table(nil, record.Row{key: nil, "f": "AV"})
	if _, err := Merge(null, good, key); !errors.Is(err, record.ErrNullKey) {
		t.Errorf("null key: err = %v, want ErrNullKey", err)
	}
}

func TestMerge_KeyInOneTableOnly(t *testing.T) {
	withKey := table([]string{"f"}, record.Row{key: "1", "f": "AV"})
	empty := record.New("")
	got, err := Merge(empty, withKey, key)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got.Len() != 1 {
		t.Errorf("Len() = %d, want 1", got.Len())
	}
}

func TestResolve_ThreeSourceScenario(t *testing.T) {
	stored := table([]string{"x_flag"}, record.Row{key: "id1", "x_flag": "AV"})
	automated := table([]string{"x_flag"},
		record.Row{key: "id1", "x_flag": "SVC"},
		record.Row{key: "id2", "x_flag": "AV"},
	)
	manual := table([]string{"x_flag"}, record.Row{key: "id1", "x_flag": "SVD"})

	got, err := ResolveNamed(key, DefaultPrecedence, map[string]*record.Table{
		Stored:    stored,
		Automated: automated,
		Manual:    manual,
	})
	if err != nil {
		t.Fatalf("ResolveNamed: %v", err)
	}
	want := []record.Row{
		{key: "id1", "x_flag": "SVD"},
		{key: "id2", "x_flag": "AV"},
	}
	if diff := cmp.Diff(want, got.Rows); diff != "" {
		t.Errorf("resolved rows mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_FillOnly(t *testing.T) {
	stored := table([]string{"x_flag"},
		record.Row{key: "id1", "x_flag": "AV"},
		record.Row{key: "id2", "x_flag": nil},
	)
	automated := table([]string{"x_flag"},
		record.Row{key: "id1", "x_flag": "SVD"},
		record.Row{key: "id2", "x_flag": "SVC"},
	)
	got, err := ResolveNamed(key, FillOnlyPrecedence, map[string]*record.Table{
		Stored:    stored,
		Automated: automated,
	})
	if err != nil {
		t.Fatalf("ResolveNamed: %v", err)
	}
	want := []record.Row{
		{key: "id1", "x_flag": "AV"},
		{key: "id2", "x_flag": "SVC"},
	}
	if diff := cmp.Diff(want, got.Rows); diff != "" {
		t.Errorf("fill-only rows mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveNamed_UnknownLayer(t *testing.T) {
	_, err := ResolveNamed(key, DefaultPrecedence, map[string]*record.Table{"imported": record.New(key)})
	if err == nil {
		t.Error("expected error for a layer outside the precedence list")
	}
}

func TestChanged(t *testing.T) {
	before := table([]string{"x_flag", "y_flag"},
		record.Row{key: "1", "x_flag": "AV", "y_flag": "AV"},
		record.Row{key: "2", "x_flag": "SVC", "y_flag": nil},
	)
	after := table([]string{"x_flag", "y_flag", "x"},
		record.Row{key: "1", "x_flag": "AV", "y_flag": "AV", "x": 3.0},
		record.Row{key: "2", "x_flag": "SVC", "y_flag": "SVD"},
		record.Row{key: "3", "x_flag": "AV"},
	)
	got, err := Changed(before, after, key, []string{"x_flag", "y_flag"})
	if err != nil {
		t.Fatalf("Changed: %v", err)
	}
	want := snapshot{
		Columns: []string{key, "x_flag", "y_flag"},
		Rows: []record.Row{
			{key: "2", "y_flag": "SVD"},
			{key: "3", "x_flag": "AV"},
		},
	}
	if diff := cmp.Diff(want, snap(got)); diff != "" {
		t.Errorf("Changed mismatch (-want +got):\n%s", diff)
	}
}
