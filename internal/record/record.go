// Package record is the in-memory tabular model the QC engine works on: rows keyed
// by a sample identifier with measurement, axis and flag columns.
package record

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
)

var (
	// ErrNullKey is returned when a row has no value in the key column.
	ErrNullKey = errors.New("row has a null key")
	// ErrDuplicateKey is returned when two rows share a key.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Row maps column names to values. A value is nil (null), float64, string or
// time.Time; an absent column reads as null.
type Row map[string]any

// Table is an ordered set of columns and rows. Key names the sample identifier
// column.
type Table struct {
	Key     string
	Rows    []Row
	columns []string
	colset  map[string]struct{}
}

// New returns an empty table with the given key and columns. The key column is
// always present.
func New(key string, columns ...string) *Table {
	t := &Table{Key: key, colset: make(map[string]struct{})}
	if key != "" {
		t.AddColumn(key)
	}
	for _, c := range columns {
		t.AddColumn(c)
	}
	return t
}

// FromRows builds a table from rows. Columns are taken in the order given, then
// any remaining row columns in sorted order.
func FromRows(key string, columns []string, rows []Row) *Table {
	t := New(key, columns...)
	for _, r := range rows {
		t.Append(r)
	}
	return t
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// HasColumn reports whether col is part of the table.
func (t *Table) HasColumn(col string) bool {
	_, ok := t.colset[col]
	return ok
}

// AddColumn appends col if it is not already present.
func (t *Table) AddColumn(col string) {
	if t.colset == nil {
		t.colset = make(map[string]struct{})
	}
	if _, ok := t.colset[col]; ok {
		return
	}
	t.colset[col] = struct{}{}
	t.columns = append(t.columns, col)
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Append adds a row, normalizing its values. Unknown columns are added in
// sorted order so the column list stays deterministic.
func (t *Table) Append(r Row) {
	row := make(Row, len(r))
	var extra []string
	for k, v := range r {
		row[k] = Normalize(v)
		if !t.HasColumn(k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, c := range extra {
		t.AddColumn(c)
	}
	t.Rows = append(t.Rows, row)
}

// Set writes a value into row i, adding the column if needed.
func (t *Table) Set(i int, col string, v any) {
	t.AddColumn(col)
	t.Rows[i][col] = Normalize(v)
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := New(t.Key, t.columns...)
	c.Rows = make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		c.Rows[i] = r.Clone()
	}
	return c
}

// KeyOf returns the formatted key of row i.
func (t *Table) KeyOf(i int) (string, bool) {
	return KeyString(t.Rows[i][t.Key])
}

// Index maps each key to its row position. Null and duplicate keys are errors.
func (t *Table) Index() (map[string]int, error) {
	idx := make(map[string]int, len(t.Rows))
	for i := range t.Rows {
		k, ok := t.KeyOf(i)
		if !ok {
			return nil, fmt.Errorf("row %d: %w", i, ErrNullKey)
		}
		if prev, dup := idx[k]; dup {
			return nil, fmt.Errorf("%w %q at rows %d and %d", ErrDuplicateKey, k, prev, i)
		}
		idx[k] = i
	}
	return idx, nil
}

// Collapse folds rows sharing a key into one, keeping the first non-null value
// per column. Rows with a null key are dropped.
func (t *Table) Collapse() *Table {
	out := New(t.Key, t.columns...)
	pos := make(map[string]int)
	for i, r := range t.Rows {
		k, ok := t.KeyOf(i)
		if !ok {
			continue
		}
		j, seen := pos[k]
		if !seen {
			pos[k] = len(out.Rows)
			out.Rows = append(out.Rows, r.Clone())
			continue
		}
		for col, v := range r {
			if IsNull(out.Rows[j][col]) && !IsNull(v) {
				out.Rows[j][col] = v
			}
		}
	}
	return out
}

// Select projects the table onto the key column plus cols. Columns that do not
// exist are skipped.
func (t *Table) Select(cols ...string) *Table {
	keep := []string{}
	for _, c := range cols {
		if t.HasColumn(c) && c != t.Key {
			keep = append(keep, c)
		}
	}
	out := New(t.Key, keep...)
	for _, r := range t.Rows {
		row := Row{t.Key: r[t.Key]}
		for _, c := range keep {
			if v, ok := r[c]; ok {
				row[c] = v
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// Filter returns a table holding copies of the rows keep accepts.
func (t *Table) Filter(keep func(Row) bool) *Table {
	out := New(t.Key, t.columns...)
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r.Clone())
		}
	}
	return out
}

// ParseTimes converts string values in cols to time.Time. Values that cannot be
// parsed are an error.
func (t *Table) ParseTimes(cols ...string) error {
	for _, col := range cols {
		for i, r := range t.Rows {
			s, ok := r[col].(string)
			if !ok {
				continue
			}
			ts, err := ParseTimestamp(s)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", i, col, err)
			}
			r[col] = ts
		}
	}
	return nil
}

// Clone returns a shallow copy of the row. Values are immutable so this is a
// full copy.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// IsNull reports whether col is null in r.
func (r Row) IsNull(col string) bool {
	return IsNull(r[col])
}

// Float returns the numeric value of col.
func (r Row) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Str returns col formatted as a string.
func (r Row) Str(col string) (string, bool) {
	return KeyString(r[col])
}

// Time returns the time value of col.
func (r Row) Time(col string) (time.Time, bool) {
	switch v := r[col].(type) {
	case time.Time:
		return v, true
	case string:
		ts, err := ParseTimestamp(v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

// Flag returns the categorical flag stored in col. Unparseable values read as
// unset.
func (r Row) Flag(col string) flags.Flag {
	s, ok := r[col].(string)
	if !ok {
		return flags.Unset
	}
	f, err := flags.ParseFlag(s)
	if err != nil {
		return flags.Unset
	}
	return f
}

// Code returns the outcome code stored in col.
func (r Row) Code(col string) flags.Code {
	f, ok := r.Float(col)
	if !ok {
		return flags.CodeUnset
	}
	c := flags.Code(int(f))
	if !c.Valid() {
		return flags.CodeUnset
	}
	return c
}

// IsNull reports whether v is a null value: nil, NaN or an empty string.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

// Normalize maps v onto the value types a Row holds.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(x) {
			return nil
		}
		return x
	case float32:
		return Normalize(float64(x))
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case flags.Code:
		if x == flags.CodeUnset {
			return nil
		}
		return float64(x)
	case flags.Flag:
		if x == flags.Unset {
			return nil
		}
		return string(x)
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		return x
	case time.Time:
		return x
	case *float64:
		if x == nil {
			return nil
		}
		return Normalize(*x)
	}
	return fmt.Sprint(v)
}

// ParseValue converts raw text from a file into a row value: empty text is
// null, numeric text is float64, anything else stays a string.
func ParseValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// KeyString formats v for use as a key or display. Null values report false.
func KeyString(v any) (string, bool) {
	if IsNull(v) {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case time.Time:
		return x.UTC().Format(time.RFC3339), true
	}
	return fmt.Sprint(v), true
}

// ParseTimestamp accepts the timestamp layouts found in archive exports and
// database text columns.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05+00:00",
		"2006-01-02 15:04:05 +0000 UTC",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}
