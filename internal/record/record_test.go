package record

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
)

func TestNormalize(t *testing.T) {
	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"nan", math.NaN(), nil},
		{"int", 3, 3.0},
		{"empty string", "  ", nil},
		{"string", "QU39", "QU39"},
		{"code", flags.CodeFail, 4.0},
		{"unset code", flags.CodeUnset, nil},
		{"flag", flags.SuspectCaution, "SVC"},
		{"unset flag", flags.Unset, nil},
		{"time", ts, ts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	if v := ParseValue(""); v != nil {
		t.Errorf("ParseValue(\"\") = %v, want nil", v)
	}
	if v := ParseValue("NaN"); v != nil {
		t.Errorf("ParseValue(NaN) = %v, want nil", v)
	}
	if v := ParseValue(" 1.5 "); v != 1.5 {
		t.Errorf("ParseValue(1.5) = %v", v)
	}
	if v := ParseValue("AV"); v != "AV" {
		t.Errorf("ParseValue(AV) = %v", v)
	}
}

func TestRowAccessors(t *testing.T) {
	r := Row{
		"no2_no3_um":       12.5,
		"text_number":      "3.25",
		"collected":        "2021-05-04T10:00:00Z",
		"no2_no3_flag":     "svc",
		"bogus_flag":       "zzz",
		"po4_flag_level_1": 4.0,
	}

	if v, ok := r.Float("no2_no3_um"); !ok || v != 12.5 {
		t.Errorf("Float = %v, %v", v, ok)
	}
	if v, ok := r.Float("text_number"); !ok || v != 3.25 {
		t.Errorf("Float(text) = %v, %v", v, ok)
	}
	if _, ok := r.Float("missing"); ok {
		t.Error("Float(missing) should be false")
	}
	ts, ok := r.Time("collected")
	if !ok || !ts.Equal(time.Date(2021, 5, 4, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Time = %v, %v", ts, ok)
	}
	if f := r.Flag("no2_no3_flag"); f != flags.SuspectCaution {
		t.Errorf("Flag = %q, want SVC", f)
	}
	if f := r.Flag("bogus_flag"); f != flags.Unset {
		t.Errorf("Flag(bogus) = %q, want unset", f)
	}
	if c := r.Code("po4_flag_level_1"); c != flags.CodeFail {
		t.Errorf("Code = %v, want FAIL", c)
	}
	if !r.IsNull("missing") {
		t.Error("absent column should read as null")
	}
}

func TestTableAppendColumns(t *testing.T) {
	tbl := New("hakai_id", "site_id")
	tbl.Append(Row{"hakai_id": "a", "site_id": "QU39", "zeta": 1, "alpha": 2})

	want := []string{"hakai_id", "site_id", "alpha", "zeta"}
	if diff := cmp.Diff(want, tbl.Columns()); diff != "" {
		t.Errorf("Columns() mismatch (-want +got):\n%s", diff)
	}
	if tbl.Rows[0]["zeta"] != 1.0 {
		t.Errorf("zeta = %v, want normalized float", tbl.Rows[0]["zeta"])
	}

	tbl.Set(0, "po4_flag", flags.Acceptable)
	if !tbl.HasColumn("po4_flag") || tbl.Rows[0]["po4_flag"] != "AV" {
		t.Errorf("Set did not add po4_flag: %v", tbl.Rows[0])
	}
}

func TestIndex(t *testing.T) {
	tbl := FromRows("hakai_id", nil, []Row{{"hakai_id": "a"}, {"hakai_id": "b"}})
	idx, err := tbl.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if idx["b"] != 1 {
		t.Errorf("idx[b] = %d, want 1", idx["b"])
	}

	dup := FromRows("hakai_id", nil, []Row{{"hakai_id": "a"}, {"hakai_id": "a"}})
	if _, err := dup.Index(); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate keys: err = %v, want ErrDuplicateKey", err)
	}

	null := FromRows("hakai_id", nil, []Row{{"hakai_id": nil}})
	if _, err := null.Index(); !errors.Is(err, ErrNullKey) {
		t.Errorf("null key: err = %v, want ErrNullKey", err)
	}
}

func TestCollapse(t *testing.T) {
	tbl := FromRows("hakai_id", []string{"x", "y"}, []Row{
		{"hakai_id": "a", "x": nil, "y": 1},
		{"hakai_id": "b", "x": 5},
		{"hakai_id": "a", "x": 2, "y": 9},
		{"hakai_id": nil, "x": 7},
	})
	got := tbl.Collapse()
	if got.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", got.Len())
	}
	if got.Rows[0]["x"] != 2.0 || got.Rows[0]["y"] != 1.0 {
		t.Errorf("row a = %v, want x=2 y=1", got.Rows[0])
	}
	if k, _ := got.KeyOf(1); k != "b" {
		t.Errorf("second key = %q, want b", k)
	}
}

func TestSelectAndFilter(t *testing.T) {
	tbl := FromRows("hakai_id", []string{"po4", "po4_flag"}, []Row{
		{"hakai_id": "a", "po4": 1.0, "po4_flag": "AV"},
		{"hakai_id": "b", "po4": 2.0},
	})
	sel := tbl.Select("po4_flag", "not_there")
	if diff := cmp.Diff([]string{"hakai_id", "po4_flag"}, sel.Columns()); diff != "" {
		t.Errorf("Select columns mismatch (-want +got):\n%s", diff)
	}
	if _, ok := sel.Rows[0]["po4"]; ok {
		t.Error("Select kept an unselected column")
	}

	f := tbl.Filter(func(r Row) bool { return r.IsNull("po4_flag") })
	if f.Len() != 1 {
		t.Fatalf("Filter Len() = %d, want 1", f.Len())
	}
	f.Rows[0]["po4"] = 99.0
	if tbl.Rows[1]["po4"] != 2.0 {
		t.Error("Filter returned rows sharing storage with the source")
	}
}

func TestParseTimes(t *testing.T) {
	tbl := FromRows("hakai_id", nil, []Row{
		{"hakai_id": "a", "collected": "2019-03-01 12:30:00"},
		{"hakai_id": "b", "collected": nil},
	})
	if err := tbl.ParseTimes("collected"); err != nil {
		t.Fatalf("ParseTimes: %v", err)
	}
	if _, ok := tbl.Rows[0]["collected"].(time.Time); !ok {
		t.Errorf("collected = %T, want time.Time", tbl.Rows[0]["collected"])
	}

	bad := FromRows("hakai_id", nil, []Row{{"hakai_id": "a", "collected": "yesterday"}})
	if err := bad.ParseTimes("collected"); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestKeyString(t *testing.T) {
	if s, ok := KeyString(12.0); !ok || s != "12" {
		t.Errorf("KeyString(12.0) = %q, %v", s, ok)
	}
	if _, ok := KeyString(nil); ok {
		t.Error("KeyString(nil) should be false")
	}
}
