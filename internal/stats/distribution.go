package stats

import (
	"fmt"
	"sort"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// FlagShare is the share of rows holding one flag value.
type FlagShare struct {
	Flag    string  `json:"flag"`
	Label   string  `json:"label"`
	Color   string  `json:"color"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// FlagDistribution counts the values of a flag column. Known flags come first
// in display order, then unrecognized values sorted, then unset rows.
func FlagDistribution(t *record.Table, column string) ([]FlagShare, error) {
	if !t.HasColumn(column) {
		return nil, fmt.Errorf("column %q not in table", column)
	}
	counts := make(map[string]int)
	for _, r := range t.Rows {
		s, _ := r.Str(column)
		if f, err := flags.ParseFlag(s); err == nil {
			s = string(f)
		}
		counts[s]++
	}

	var keys []string
	for _, f := range flags.All {
		if counts[string(f)] > 0 {
			keys = append(keys, string(f))
		}
	}
	var other []string
	for k := range counts {
		if k != "" && !flags.Flag(k).Valid() {
			other = append(other, k)
		}
	}
	sort.Strings(other)
	keys = append(keys, other...)
	if counts[""] > 0 {
		keys = append(keys, "")
	}

	out := make([]FlagShare, 0, len(keys))
	total := float64(t.Len())
	for _, k := range keys {
		f := flags.Flag(k)
		label := k
		if f.Valid() || f == flags.Unset {
			label = f.Label()
		}
		out = append(out, FlagShare{
			Flag:    k,
			Label:   label,
			Color:   flags.Color(f),
			Count:   counts[k],
			Percent: 100 * float64(counts[k]) / total,
		})
	}
	return out, nil
}
