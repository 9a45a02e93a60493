package stats

import (
	"fmt"
	"sort"
	"time"

	"github.com/rickb777/period"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// DefaultGrid is the climatology window width.
const DefaultGrid = "P14D"

// InterannualOptions names the columns used to build a climatology.
type InterannualOptions struct {
	Site      string
	Depth     string
	Time      string
	Variables []string
	// Grid is an ISO-8601 period; windows start on January 1st of each year.
	Grid string
}

// InterannualRow is the spread of one variable across years for one window of
// the calendar at one site and depth. DayOfYear is the middle of the window.
type InterannualRow struct {
	Site      string  `json:"site"`
	Depth     float64 `json:"depth"`
	Variable  string  `json:"variable"`
	DayOfYear float64 `json:"day_of_year"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Years     int     `json:"years"`
}

type siteDepth struct {
	site  string
	depth float64
}

type windowKey struct {
	siteDepth
	year  int
	start int // day of year of the window start
}

type bucketKey struct {
	siteDepth
	start int
}

// Interannual averages each variable per (site, depth, year, window), then
// pools the window averages of every year by window and reports their mean and
// sample standard deviation. A window seen in a single year has NaN spread.
func Interannual(t *record.Table, opts InterannualOptions) ([]InterannualRow, error) {
	if opts.Grid == "" {
		opts.Grid = DefaultGrid
	}
	grid, err := period.Parse(opts.Grid)
	if err != nil {
		return nil, fmt.Errorf("parsing grid %q: %w", opts.Grid, err)
	}
	for _, col := range append([]string{opts.Site, opts.Depth, opts.Time}, opts.Variables...) {
		if !t.HasColumn(col) {
			return nil, fmt.Errorf("column %q not in table", col)
		}
	}

	w := &windower{grid: grid, starts: make(map[int][]time.Time)}
	halfWidth, err := w.halfWidthDays()
	if err != nil {
		return nil, err
	}

	// variable -> window -> values
	perWindow := make(map[string]map[windowKey][]float64, len(opts.Variables))
	for _, v := range opts.Variables {
		perWindow[v] = make(map[windowKey][]float64)
	}
	for _, r := range t.Rows {
		site, ok := r.Str(opts.Site)
		if !ok {
			continue
		}
		depth, ok := r.Float(opts.Depth)
		if !ok {
			continue
		}
		ts, ok := r.Time(opts.Time)
		if !ok {
			continue
		}
		start, err := w.windowStart(ts)
		if err != nil {
			return nil, err
		}
		wk := windowKey{siteDepth{site, depth}, start.Year(), start.YearDay()}
		for _, v := range opts.Variables {
			if val, ok := r.Float(v); ok {
				perWindow[v][wk] = append(perWindow[v][wk], val)
			}
		}
	}

	var out []InterannualRow
	for _, v := range opts.Variables {
		buckets := make(map[bucketKey][]float64)
		for wk, vals := range perWindow[v] {
			m, _ := meanStd(vals)
			bk := bucketKey{wk.siteDepth, wk.start}
			buckets[bk] = append(buckets[bk], m)
		}
		for bk, means := range buckets {
			sort.Float64s(means)
			mean, std := meanStd(means)
			out = append(out, InterannualRow{
				Site:      bk.site,
				Depth:     bk.depth,
				Variable:  v,
				DayOfYear: float64(bk.start) + halfWidth,
				Mean:      mean,
				Std:       std,
				Years:     len(means),
			})
		}
	}

	order := make(map[string]int, len(opts.Variables))
	for i, v := range opts.Variables {
		order[v] = i
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Site != b.Site {
			return a.Site < b.Site
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.DayOfYear != b.DayOfYear {
			return a.DayOfYear < b.DayOfYear
		}
		return order[a.Variable] < order[b.Variable]
	})
	return out, nil
}

// windower maps timestamps onto the grid windows of their calendar year.
type windower struct {
	grid   period.Period
	starts map[int][]time.Time
}

// halfWidthDays is half the length of the first window of a common year.
func (w *windower) halfWidthDays() (float64, error) {
	jan1 := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	next, ok := w.grid.AddTo(jan1)
	if !ok || !next.After(jan1) {
		return 0, fmt.Errorf("grid %s must be a positive period", w.grid)
	}
	return next.Sub(jan1).Hours() / 24 / 2, nil
}

func (w *windower) yearStarts(year int) ([]time.Time, error) {
	if s, ok := w.starts[year]; ok {
		return s, nil
	}
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	var s []time.Time
	for start.Before(end) {
		s = append(s, start)
		next, ok := w.grid.AddTo(start)
		if !ok || !next.After(start) {
			return nil, fmt.Errorf("grid %s does not advance from %s", w.grid, start.Format(time.DateOnly))
		}
		start = next
	}
	w.starts[year] = s
	return s, nil
}

func (w *windower) windowStart(ts time.Time) (time.Time, error) {
	ts = ts.UTC()
	starts, err := w.yearStarts(ts.Year())
	if err != nil {
		return time.Time{}, err
	}
	i := sort.Search(len(starts), func(i int) bool { return starts[i].After(ts) })
	return starts[i-1], nil
}
