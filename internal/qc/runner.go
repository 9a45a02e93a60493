package qc

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// Axes names the columns holding the ordering and position axes.
type Axes struct {
	Time  string
	Depth string
	Lat   string
	Lon   string
}

// DefaultAxes matches the sample archive column names.
var DefaultAxes = Axes{
	Time:  "collected",
	Depth: "line_out_depth",
	Lat:   "latitude",
	Lon:   "longitude",
}

// DefaultGroupBy partitions samples by station and nominal depth.
var DefaultGroupBy = []string{"site_id", "line_out_depth"}

// Options controls how records are partitioned and ordered.
type Options struct {
	GroupBy []string
	Axes    Axes
}

func (o Options) withDefaults() Options {
	if len(o.GroupBy) == 0 {
		o.GroupBy = DefaultGroupBy
	}
	if o.Axes.Time == "" {
		o.Axes.Time = DefaultAxes.Time
	}
	if o.Axes.Depth == "" {
		o.Axes.Depth = DefaultAxes.Depth
	}
	if o.Axes.Lat == "" {
		o.Axes.Lat = DefaultAxes.Lat
	}
	if o.Axes.Lon == "" {
		o.Axes.Lon = DefaultAxes.Lon
	}
	return o
}

// Outcome is one test result for one record.
type Outcome struct {
	Context  int
	Variable string
	Test     string
	Code     flags.Code
}

// Result holds the outcomes of a run, indexed by the row position in the input
// table.
type Result struct {
	outcomes [][]Outcome
}

// Len returns the number of rows the result covers.
func (r *Result) Len() int {
	return len(r.outcomes)
}

// Outcomes returns every outcome recorded for row, in context then test order.
func (r *Result) Outcomes(row int) []Outcome {
	return r.outcomes[row]
}

// Codes returns the codes recorded for variable on row.
func (r *Result) Codes(row int, variable string) []flags.Code {
	var out []flags.Code
	for _, o := range r.outcomes[row] {
		if o.Variable == variable {
			out = append(out, o.Code)
		}
	}
	return out
}

// WriteColumns adds one {variable}_qartod_{test} column per outcome to t. When
// a record was tested more than once by the same test, later passes get a _{n}
// suffix.
func (r *Result) WriteColumns(t *record.Table) {
	for i, outs := range r.outcomes {
		seen := make(map[string]int)
		for _, o := range outs {
			col := TestColumn(o.Variable, o.Test)
			n := seen[col]
			seen[col] = n + 1
			if n > 0 {
				col = fmt.Sprintf("%s_%d", col, n)
			}
			t.Set(i, col, o.Code)
		}
	}
}

// TestColumn names the column holding the outcome of test for variable.
func TestColumn(variable, test string) string {
	return variable + "_qartod_" + test
}

// Runner applies a configuration's tests to a table.
type Runner struct {
	// Workers bounds how many partitions are tested concurrently. Zero means
	// GOMAXPROCS.
	Workers int
	logger  *slog.Logger
}

// NewRunner creates a runner that logs to logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

func (r *Runner) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Run selects, partitions and tests records for every context in cfg. The
// table is not modified. Configuration problems are reported before any test
// runs and no partial result is returned.
func (r *Runner) Run(ctx context.Context, t *record.Table, cfg *Config, opts Options) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: no configuration", ErrConfig)
	}
	for i, c := range cfg.Contexts {
		if c.predicate == nil {
			return nil, fmt.Errorf("%w: context[%d] was not compiled, build configs with Parse or NewConfig", ErrConfig, i)
		}
	}
	opts = opts.withDefaults()
	n := t.Len()

	matches, err := r.selectRows(t, cfg, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{outcomes: make([][]Outcome, n)}
	for ci := range cfg.Contexts {
		c := &cfg.Contexts[ci]
		streams := r.presentStreams(t, ci, c.Streams)
		parts, skipped := partition(t, matches[ci], opts.GroupBy)

		slots := make([][]Outcome, n)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.workers())
		for _, p := range parts {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				sortPartition(t, p, opts.Axes)
				testPartition(ci, streams, t, p, opts.Axes, slots)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("running context[%d]: %w", ci, err)
		}
		for i, s := range slots {
			res.outcomes[i] = append(res.outcomes[i], s...)
		}

		r.logger.Info("qc context complete",
			"context", ci,
			"filter", c.Filter,
			"rows", len(matches[ci]),
			"groups", len(parts),
			"skipped_null_group", skipped,
		)
	}
	return res, nil
}

// selectRows evaluates every context's filter and window up front so overlap
// and predicate errors surface before any test runs. A filter naming a column
// the table lacks is a configuration error.
func (r *Runner) selectRows(t *record.Table, cfg *Config, opts Options) ([][]int, error) {
	for ci, c := range cfg.Contexts {
		for _, col := range c.predicate.Columns() {
			if !t.HasColumn(col) {
				return nil, fmt.Errorf("%w: context[%d] filter %q references column %q not in table", ErrConfig, ci, c.Filter, col)
			}
		}
	}
	matches := make([][]int, len(cfg.Contexts))
	covered := make([]int, t.Len())
	for ci, c := range cfg.Contexts {
		for i, row := range t.Rows {
			ok, err := c.predicate.Match(row)
			if err != nil {
				return nil, fmt.Errorf("context[%d] row %d: %w", ci, i, err)
			}
			if !ok {
				continue
			}
			if !c.Window.open() {
				ts, ok := row.Time(opts.Axes.Time)
				if !ok || !c.Window.contains(ts) {
					continue
				}
			}
			matches[ci] = append(matches[ci], i)
			covered[i]++
			if cfg.Overlap == OverlapReject && covered[i] > 1 {
				key, _ := t.KeyOf(i)
				return nil, fmt.Errorf("%w: record %q (row %d) matches more than one context", ErrConfig, key, i)
			}
		}
	}
	return matches, nil
}

func (r *Runner) presentStreams(t *record.Table, ci int, streams []Stream) []Stream {
	out := make([]Stream, 0, len(streams))
	for _, s := range streams {
		if !t.HasColumn(s.Variable) {
			r.logger.Warn("variable not in table, skipping", "context", ci, "variable", s.Variable)
			continue
		}
		out = append(out, s)
	}
	return out
}

// partition groups rows by the grouping columns in first-appearance order.
// Rows with a null grouping value belong to no group and are counted as
// skipped.
func partition(t *record.Table, rows []int, groupBy []string) ([][]int, int) {
	pos := make(map[string]int)
	var parts [][]int
	skipped := 0
	for _, i := range rows {
		key, ok := groupKey(t.Rows[i], groupBy)
		if !ok {
			skipped++
			continue
		}
		j, seen := pos[key]
		if !seen {
			j = len(parts)
			pos[key] = j
			parts = append(parts, nil)
		}
		parts[j] = append(parts[j], i)
	}
	return parts, skipped
}

func groupKey(r record.Row, groupBy []string) (string, bool) {
	parts := make([]string, len(groupBy))
	for k, col := range groupBy {
		s, ok := r.Str(col)
		if !ok {
			return "", false
		}
		parts[k] = s
	}
	return strings.Join(parts, "\x1f"), true
}

// sortPartition orders rows by time then depth. Null axis values sort last and
// remaining ties keep their original row order.
func sortPartition(t *record.Table, p []int, axes Axes) {
	sort.SliceStable(p, func(a, b int) bool {
		ra, rb := t.Rows[p[a]], t.Rows[p[b]]
		ta, oka := ra.Time(axes.Time)
		tb, okb := rb.Time(axes.Time)
		if oka != okb {
			return oka
		}
		if oka && !ta.Equal(tb) {
			return ta.Before(tb)
		}
		da, oka := ra.Float(axes.Depth)
		db, okb := rb.Float(axes.Depth)
		if oka != okb {
			return oka
		}
		return oka && da < db
	})
}

func testPartition(ci int, streams []Stream, t *record.Table, p []int, axes Axes, slots [][]Outcome) {
	n := len(p)
	times := make([]time.Time, n)
	hasTime := make([]bool, n)
	lats := make([]float64, n)
	lons := make([]float64, n)
	hasPos := make([]bool, n)
	for k, i := range p {
		row := t.Rows[i]
		times[k], hasTime[k] = row.Time(axes.Time)
		lat, okLat := row.Float(axes.Lat)
		lon, okLon := row.Float(axes.Lon)
		lats[k], lons[k], hasPos[k] = lat, lon, okLat && okLon
	}

	for _, s := range streams {
		ser := &series{
			values:  make([]float64, n),
			present: make([]bool, n),
			times:   times,
			hasTime: hasTime,
			lats:    lats,
			lons:    lons,
			hasPos:  hasPos,
		}
		for k, i := range p {
			ser.values[k], ser.present[k] = t.Rows[i].Float(s.Variable)
		}
		for _, spec := range s.Tests {
			codes := runTest(spec, ser)
			for k, i := range p {
				slots[i] = append(slots[i], Outcome{
					Context:  ci,
					Variable: s.Variable,
					Test:     spec.Name,
					Code:     codes[k],
				})
			}
		}
	}
}
