// Package stats computes the descriptive statistics reviewers use to judge
// flagged values: replicate pooled standard deviation, interannual
// climatologies and flag distributions.
package stats

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// GroupSummary describes the non-null values of one variable in one group.
type GroupSummary struct {
	Group []string `json:"group"`
	Count int      `json:"count"`
	Mean  float64  `json:"mean"`
	Std   float64  `json:"std"`
}

// PooledStd combines replicate groups weighted by degrees of freedom:
//
//	sqrt( Σ (n_i - 1) s_i² / Σ (n_i - 1) )
//
// Only groups with more than one value contribute. With no such group the
// result is NaN.
func PooledStd(groups []GroupSummary) float64 {
	var num, den float64
	for _, g := range groups {
		if g.Count <= 1 {
			continue
		}
		dof := float64(g.Count - 1)
		num += dof * g.Std * g.Std
		den += dof
	}
	if den == 0 {
		return math.NaN()
	}
	return math.Sqrt(num / den)
}

// Summarize groups t by the groupBy columns and returns the count, mean and
// sample standard deviation of variable per group, in first-appearance order.
// Rows with a null grouping value are ignored. Groups without any value have
// Count 0 and NaN statistics.
func Summarize(t *record.Table, variable string, groupBy []string) ([]GroupSummary, error) {
	if !t.HasColumn(variable) {
		return nil, fmt.Errorf("variable %q not in table", variable)
	}
	for _, col := range groupBy {
		if !t.HasColumn(col) {
			return nil, fmt.Errorf("group column %q not in table", col)
		}
	}

	pos := make(map[string]int)
	var out []GroupSummary
	var values [][]float64
	for _, r := range t.Rows {
		group := make([]string, len(groupBy))
		ok := true
		for k, col := range groupBy {
			if group[k], ok = r.Str(col); !ok {
				break
			}
		}
		if !ok {
			continue
		}
		key := strings.Join(group, "\x1f")
		j, seen := pos[key]
		if !seen {
			j = len(out)
			pos[key] = j
			out = append(out, GroupSummary{Group: group})
			values = append(values, nil)
		}
		if v, ok := r.Float(variable); ok {
			values[j] = append(values[j], v)
		}
	}

	for j := range out {
		out[j].Count = len(values[j])
		out[j].Mean, out[j].Std = meanStd(values[j])
	}
	return out, nil
}

// SamplePooledStd returns the pooled standard deviation of each variable over
// the replicate groups defined by groupBy.
func SamplePooledStd(t *record.Table, variables []string, groupBy []string) (map[string]float64, error) {
	out := make(map[string]float64, len(variables))
	for _, v := range variables {
		groups, err := Summarize(t, v, groupBy)
		if err != nil {
			return nil, err
		}
		out[v] = PooledStd(groups)
	}
	return out, nil
}

// meanStd returns the mean and sample standard deviation. The deviation of a
// single value is NaN, as is everything for an empty slice.
func meanStd(x []float64) (float64, float64) {
	switch len(x) {
	case 0:
		return math.NaN(), math.NaN()
	case 1:
		return x[0], math.NaN()
	}
	return stat.MeanStdDev(x, nil)
}
