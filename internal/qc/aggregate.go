package qc

import (
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// Aggregate reduces several outcome codes for one value to a single code.
// MISSING wins outright, otherwise the code with the highest precedence wins.
// An empty input yields CodeUnset.
func Aggregate(codes []flags.Code) flags.Code {
	agg := flags.CodeUnset
	for _, c := range codes {
		if c == flags.CodeMissing {
			return flags.CodeMissing
		}
		if c.Precedence() > agg.Precedence() {
			agg = c
		}
	}
	return agg
}

// Aggregator writes the aggregate outcome and categorical flag for each tested
// variable.
type Aggregator struct {
	Resolver        flags.ColumnResolver
	DetectionLimits map[string]float64
}

// NewAggregator returns an aggregator using resolver for flag column names and
// the detection limits of cfg.
func NewAggregator(resolver flags.ColumnResolver, cfg *Config) *Aggregator {
	if resolver == nil {
		resolver = flags.NewColumnResolver(nil)
	}
	a := &Aggregator{Resolver: resolver}
	if cfg != nil {
		a.DetectionLimits = cfg.DetectionLimits
	}
	return a
}

// Apply sets {variable}_flag_level_1 and the variable's flag column on every
// row of t that has at least one outcome for the variable. Rows with no
// outcome are left untouched. The detection limit override is applied last.
func (a *Aggregator) Apply(t *record.Table, res *Result, variables []string) {
	for _, v := range variables {
		level1 := flags.Level1Column(v)
		flagCol := a.Resolver.Resolve(v)
		limit, hasLimit := a.DetectionLimits[v]
		for i := range t.Rows {
			codes := res.Codes(i, v)
			if len(codes) == 0 {
				continue
			}
			code := Aggregate(codes)
			f := flags.CodeToFlag(code)
			if hasLimit {
				if val, ok := t.Rows[i].Float(v); ok && val < limit {
					f = flags.BelowDetectionLimit
				}
			}
			t.Set(i, level1, code)
			t.Set(i, flagCol, f)
		}
	}
}
