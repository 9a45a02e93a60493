package qc

import (
	"fmt"
	"math"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

const maxMinorInversions = 4

// CastSuggestion is the flag proposed for a whole profile.
type CastSuggestion struct {
	Cast     string
	Flag     flags.Flag
	Comments string
}

// SuggestCastFlags proposes one flag per cast from the per-sample level 1
// codes of variable: the median code translated to a flag. Casts with many
// density inversions are downgraded to SVC and bottom hits are noted.
func SuggestCastFlags(t *record.Table, variable, castColumn string, resolver flags.ColumnResolver) ([]CastSuggestion, error) {
	if !t.HasColumn(castColumn) {
		return nil, fmt.Errorf("%w: cast column %q not in table", ErrConfig, castColumn)
	}
	if resolver == nil {
		resolver = flags.NewColumnResolver(nil)
	}
	level1 := flags.Level1Column(variable)
	flagCol := resolver.Resolve(variable)

	type castAcc struct {
		codes      stats.Float64Data
		bottomHit  bool
		inversions int
	}
	var order []string
	accs := make(map[string]*castAcc)
	for _, r := range t.Rows {
		cast, ok := r.Str(castColumn)
		if !ok {
			continue
		}
		acc, seen := accs[cast]
		if !seen {
			acc = &castAcc{}
			accs[cast] = acc
			order = append(order, cast)
		}
		if c := r.Code(level1); c != flags.CodeUnset {
			acc.codes = append(acc.codes, float64(c))
		}
		if s, ok := r.Str(flagCol); ok {
			if strings.Contains(s, "bottom_hit_test") {
				acc.bottomHit = true
			}
			if strings.Contains(s, "density_inversion") {
				acc.inversions++
			}
		}
	}

	out := make([]CastSuggestion, 0, len(order))
	for _, cast := range order {
		acc := accs[cast]
		sug := CastSuggestion{Cast: cast}
		var comments []string
		if acc.bottomHit {
			comments = append(comments, "Instrument seems to have hit bottom.")
		}
		switch {
		case acc.inversions > maxMinorInversions:
			comments = append(comments, "A significant number of density inversion are present.")
			sug.Flag = flags.SuspectCaution
		case acc.inversions > 0:
			comments = append(comments, "Some density inversion are present.")
		}
		if sug.Flag == flags.Unset && len(acc.codes) > 0 {
			m, err := stats.Median(acc.codes)
			if err != nil {
				return nil, fmt.Errorf("median of cast %q: %w", cast, err)
			}
			sug.Flag = flags.CodeToFlag(medianCode(m))
		}
		sug.Comments = strings.Join(comments, "\n")
		out = append(out, sug)
	}
	return out, nil
}

// medianCode rounds a median of codes up to the next valid code.
func medianCode(m float64) flags.Code {
	c := flags.Code(math.Ceil(m))
	if c > flags.CodeFail {
		return flags.CodeMissing
	}
	return c
}
