package qc

import (
	"context"
	"log/slog"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// RunOptions extends Options with output choices.
type RunOptions struct {
	Options
	// TestColumns keeps the per-test {variable}_qartod_{test} columns in the
	// output table.
	TestColumns bool
}

// Pipeline runs the tests of a configuration and aggregates their outcomes.
type Pipeline struct {
	runner   *Runner
	resolver flags.ColumnResolver
	logger   *slog.Logger
}

// NewPipeline creates a pipeline. A nil resolver uses the default flag column
// names.
func NewPipeline(resolver flags.ColumnResolver, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = flags.NewColumnResolver(nil)
	}
	return &Pipeline{
		runner:   NewRunner(logger),
		resolver: resolver,
		logger:   logger,
	}
}

// SetWorkers bounds partition concurrency.
func (p *Pipeline) SetWorkers(n int) {
	p.runner.Workers = n
}

// Resolver returns the flag column resolver in use.
func (p *Pipeline) Resolver() flags.ColumnResolver {
	return p.resolver
}

// Run returns a copy of t carrying the aggregate outcome and flag columns for
// every configured variable. t itself is not modified.
func (p *Pipeline) Run(ctx context.Context, t *record.Table, cfg *Config, opts RunOptions) (*record.Table, error) {
	res, err := p.runner.Run(ctx, t, cfg, opts.Options)
	if err != nil {
		return nil, err
	}

	out := t.Clone()
	if opts.TestColumns {
		res.WriteColumns(out)
	}
	variables := cfg.Variables()
	NewAggregator(p.resolver, cfg).Apply(out, res, variables)

	p.logger.Debug("qc pipeline complete", "rows", out.Len(), "variables", variables)
	return out, nil
}

// FlagColumns returns the level 1 and flag column of every variable.
func (p *Pipeline) FlagColumns(variables []string) []string {
	cols := make([]string, 0, 2*len(variables))
	for _, v := range variables {
		cols = append(cols, flags.Level1Column(v), p.resolver.Resolve(v))
	}
	return cols
}

// FillMissingFlags prepares a table for display: empty flag columns read NA and
// empty level 1 columns read MISSING.
func FillMissingFlags(t *record.Table) {
	for _, col := range t.Columns() {
		var fill any
		switch {
		case flags.IsLevel1Column(col):
			fill = flags.CodeMissing
		case flags.IsFlagColumn(col):
			fill = flags.NotAvailable
		default:
			continue
		}
		for i, r := range t.Rows {
			if r.IsNull(col) {
				t.Set(i, col, fill)
			}
		}
	}
}
