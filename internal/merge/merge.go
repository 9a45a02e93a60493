// Package merge resolves flags proposed by several sources with a single
// precedence merge: a later source overrides an earlier one wherever it holds a
// non-null value.
package merge

import (
	"errors"
	"fmt"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// ErrMissingKey is returned when the merge key is a column of neither table.
var ErrMissingKey = errors.New("merge key not present in either table")

// Layer names.
const (
	Stored    = "stored"
	Automated = "automated"
	Manual    = "manual"
)

// DefaultPrecedence lists flag sources from lowest to highest priority: fresh
// automated results override archived flags and reviewer edits override both.
var DefaultPrecedence = []string{Stored, Automated, Manual}

// FillOnlyPrecedence keeps archived flags where they exist and only fills gaps
// from the automated results. Reviewer edits still win.
var FillOnlyPrecedence = []string{Automated, Stored, Manual}

// Merge combines base and update on key. For a key present in both, each
// column takes the update value when it is non-null and the base value
// otherwise. Columns found in only one table are carried through. Rows are
// returned in base order followed by keys found only in update, in update
// order. Nil tables are treated as empty.
func Merge(base, update *record.Table, key string) (*record.Table, error) {
	if base == nil {
		base = record.New(key)
	}
	if update == nil {
		update = record.New(key)
	}
	if !base.HasColumn(key) && !update.HasColumn(key) {
		return nil, fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	base = rekey(base, key)
	update = rekey(update, key)

	baseIdx, err := base.Index()
	if err != nil {
		return nil, fmt.Errorf("indexing base: %w", err)
	}
	updIdx, err := update.Index()
	if err != nil {
		return nil, fmt.Errorf("indexing update: %w", err)
	}

	out := record.New(key, base.Columns()...)
	for _, c := range update.Columns() {
		out.AddColumn(c)
	}
	out.Rows = make([]record.Row, 0, base.Len()+update.Len())

	for i, r := range base.Rows {
		row := r.Clone()
		k, _ := base.KeyOf(i)
		if j, ok := updIdx[k]; ok {
			for col, v := range update.Rows[j] {
				if !record.IsNull(v) {
					row[col] = v
				}
			}
		}
		out.Rows = append(out.Rows, row)
	}
	for j, r := range update.Rows {
		k, _ := update.KeyOf(j)
		if _, ok := baseIdx[k]; !ok {
			out.Rows = append(out.Rows, r.Clone())
		}
	}
	return out, nil
}

// rekey returns t indexed on key without copying when it already is.
func rekey(t *record.Table, key string) *record.Table {
	if t.Key == key {
		return t
	}
	c := *t
	c.Key = key
	return &c
}

// Resolve folds layers from lowest to highest priority with Merge.
func Resolve(key string, layers ...*record.Table) (*record.Table, error) {
	out := record.New(key)
	for i, l := range layers {
		var err error
		out, err = Merge(out, l, key)
		if err != nil {
			return nil, fmt.Errorf("merging layer %d: %w", i, err)
		}
	}
	return out, nil
}

// ResolveNamed folds the named layers in precedence order. Names without a
// layer are skipped, layers not named in precedence are an error.
func ResolveNamed(key string, precedence []string, layers map[string]*record.Table) (*record.Table, error) {
	known := make(map[string]bool, len(precedence))
	for _, name := range precedence {
		known[name] = true
	}
	for name := range layers {
		if !known[name] {
			return nil, fmt.Errorf("layer %q has no place in precedence %v", name, precedence)
		}
	}
	ordered := make([]*record.Table, 0, len(precedence))
	for _, name := range precedence {
		if l, ok := layers[name]; ok {
			ordered = append(ordered, l)
		}
	}
	return Resolve(key, ordered...)
}

// Changed returns the rows of after whose value in any of columns differs
// from before. Only the differing values are kept, unchanged ones are null.
// Keys missing from before count as changed.
func Changed(before, after *record.Table, key string, columns []string) (*record.Table, error) {
	if before == nil {
		before = record.New(key)
	}
	if !after.HasColumn(key) {
		return nil, fmt.Errorf("%w: %q", ErrMissingKey, key)
	}
	before = rekey(before, key)
	after = rekey(after, key)

	idx, err := before.Index()
	if err != nil {
		return nil, fmt.Errorf("indexing before: %w", err)
	}
	out := record.New(key)
	for _, c := range columns {
		if after.HasColumn(c) {
			out.AddColumn(c)
		}
	}
	for i, r := range after.Rows {
		k, ok := after.KeyOf(i)
		if !ok {
			return nil, fmt.Errorf("after row %d: %w", i, record.ErrNullKey)
		}
		var prev record.Row
		if j, ok := idx[k]; ok {
			prev = before.Rows[j]
		}
		row := record.Row{key: r[key]}
		changed := false
		for _, c := range columns {
			if !after.HasColumn(c) {
				continue
			}
			v := r[c]
			if record.IsNull(v) {
				continue
			}
			if prev != nil && equal(prev[c], v) {
				continue
			}
			row[c] = v
			changed = true
		}
		if changed {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func equal(a, b any) bool {
	sa, okA := record.KeyString(a)
	sb, okB := record.KeyString(b)
	return okA == okB && sa == sb
}
