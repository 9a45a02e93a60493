package review

import (
	"context"
	"fmt"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/events"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/merge"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/qc"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/stats"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/store"
)

// Scope selects the records whose automated outcomes are kept.
type Scope string

const (
	// ScopeAll keeps outcomes for every record.
	ScopeAll Scope = "all"
	// ScopeUnknown keeps outcomes for records whose flags on every tested
	// variable are empty or UKN.
	ScopeUnknown Scope = "unknown"
	// ScopeSelection keeps outcomes for the listed sample ids.
	ScopeSelection Scope = "selection"
)

// QCRequest asks for an automated QC run.
type QCRequest struct {
	Scope     Scope    `json:"scope"`
	SampleIDs []string `json:"sample_ids,omitempty"`
}

// RunResult reports what an automated QC run wrote.
type RunResult struct {
	Dataset string `json:"dataset"`
	BatchID string `json:"batch_id"`
	Scope   Scope  `json:"scope"`
	Rows    int    `json:"rows"`
	Changed int    `json:"changed"`
	Values  int    `json:"values"`
}

// RunQC runs the configured tests over the whole resolved dataset, then stores
// the outcomes of the records in scope that differ from their current flags.
func (s *Service) RunQC(ctx context.Context, name string, req QCRequest) (res *RunResult, err error) {
	if req.Scope == "" {
		req.Scope = ScopeAll
	}
	switch req.Scope {
	case ScopeAll, ScopeUnknown:
	case ScopeSelection:
		if len(req.SampleIDs) == 0 {
			return nil, fmt.Errorf("%w: selection scope needs sample ids", ErrInvalidRequest)
		}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, req.Scope)
	}

	if !s.begin(name) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	defer func() { s.finish(name, res, err) }()

	resolved, err := s.Resolved(ctx, name)
	if err != nil {
		return nil, err
	}
	out, err := s.pipeline.Run(ctx, resolved, s.tests, qc.RunOptions{Options: s.opts})
	if err != nil {
		return nil, fmt.Errorf("running qc on %s: %w", name, err)
	}

	var variables []string
	for _, v := range s.tests.Variables() {
		if resolved.HasColumn(v) {
			variables = append(variables, v)
		}
	}
	cols := s.pipeline.FlagColumns(variables)

	scoped, err := s.scope(resolved, req, variables)
	if err != nil {
		return nil, err
	}
	key := resolved.Key
	after := out.Select(cols...).Filter(func(r record.Row) bool {
		k, ok := record.KeyString(r[key])
		return ok && scoped[k]
	})
	changed, err := merge.Changed(resolved.Select(cols...), after, key, cols)
	if err != nil {
		return nil, err
	}

	res = &RunResult{Dataset: name, BatchID: newBatchID(), Scope: req.Scope, Rows: len(scoped), Changed: changed.Len()}
	entries := s.layerEntries(name, store.SourceAutomated, res.BatchID, "", changed)
	res.Values = len(entries)
	if err := s.store.SaveFlags(ctx, entries); err != nil {
		return nil, err
	}

	s.logger.Info("automated qc stored",
		"dataset", name,
		"scope", req.Scope,
		"rows", res.Rows,
		"changed", res.Changed,
		"batch_id", res.BatchID,
	)
	s.hub.Publish(events.Event{Type: events.TypeQC, Dataset: name, BatchID: res.BatchID, Rows: res.Changed})
	return res, nil
}

// scope returns the keys of the records a request covers.
func (s *Service) scope(t *record.Table, req QCRequest, variables []string) (map[string]bool, error) {
	keys := make(map[string]bool, t.Len())
	switch req.Scope {
	case ScopeSelection:
		idx, err := t.Index()
		if err != nil {
			return nil, err
		}
		for _, id := range req.SampleIDs {
			if _, ok := idx[id]; !ok {
				return nil, fmt.Errorf("%w: unknown sample id %q", ErrInvalidRequest, id)
			}
			keys[id] = true
		}
		return keys, nil
	case ScopeUnknown:
		resolver := s.pipeline.Resolver()
		for i, r := range t.Rows {
			unset := true
			for _, v := range variables {
				col := resolver.Resolve(v)
				if !r.IsNull(col) && r.Flag(col) != flags.Unknown {
					unset = false
					break
				}
			}
			if k, ok := t.KeyOf(i); ok && unset {
				keys[k] = true
			}
		}
		return keys, nil
	}
	for i := range t.Rows {
		if k, ok := t.KeyOf(i); ok {
			keys[k] = true
		}
	}
	return keys, nil
}

// ManualRequest sets a reviewer flag on the flag column of each variable,
// either for the listed sample ids or for every record whose current flag
// equals MatchFlag. A MatchFlag of UKN also matches records with no flag.
type ManualRequest struct {
	Variables []string `json:"variables"`
	Flag      string   `json:"flag"`
	SampleIDs []string `json:"sample_ids,omitempty"`
	MatchFlag string   `json:"match_flag,omitempty"`
	Reviewer  string   `json:"reviewer"`
}

// ManualResult reports what a manual review wrote.
type ManualResult struct {
	Dataset string `json:"dataset"`
	BatchID string `json:"batch_id"`
	Rows    int    `json:"rows"`
	Values  int    `json:"values"`
}

// ApplyManual stores reviewer flags in the manual layer.
func (s *Service) ApplyManual(ctx context.Context, name string, req ManualRequest) (*ManualResult, error) {
	if len(req.Variables) == 0 {
		return nil, fmt.Errorf("%w: at least one variable is required", ErrInvalidRequest)
	}
	flag, err := flags.ParseFlag(req.Flag)
	if err != nil || flag == flags.Unset {
		return nil, fmt.Errorf("%w: flag %q", ErrInvalidRequest, req.Flag)
	}
	if (len(req.SampleIDs) == 0) == (req.MatchFlag == "") {
		return nil, fmt.Errorf("%w: give either sample ids or a flag to match", ErrInvalidRequest)
	}
	var match flags.Flag
	if req.MatchFlag != "" {
		if match, err = flags.ParseFlag(req.MatchFlag); err != nil || match == flags.Unset {
			return nil, fmt.Errorf("%w: match flag %q", ErrInvalidRequest, req.MatchFlag)
		}
	}

	resolved, err := s.Resolved(ctx, name)
	if err != nil {
		return nil, err
	}
	resolver := s.pipeline.Resolver()
	cols := make([]string, len(req.Variables))
	for i, v := range req.Variables {
		cols[i] = resolver.Resolve(v)
		if !resolved.HasColumn(v) && !resolved.HasColumn(cols[i]) {
			return nil, fmt.Errorf("%w: dataset %s has no variable %q", ErrInvalidRequest, name, v)
		}
	}

	idx, err := resolved.Index()
	if err != nil {
		return nil, err
	}
	var rows []int
	if len(req.SampleIDs) > 0 {
		for _, id := range req.SampleIDs {
			i, ok := idx[id]
			if !ok {
				return nil, fmt.Errorf("%w: unknown sample id %q", ErrInvalidRequest, id)
			}
			rows = append(rows, i)
		}
	}

	layer := record.New(resolved.Key, cols...)
	if match != "" {
		for _, r := range resolved.Rows {
			row := record.Row{resolved.Key: r[resolved.Key]}
			hit := false
			for _, c := range cols {
				if matches(r.Flag(c), match) {
					row[c] = string(flag)
					hit = true
				}
			}
			if hit {
				layer.Rows = append(layer.Rows, row)
			}
		}
	}
	for _, i := range rows {
		row := record.Row{resolved.Key: resolved.Rows[i][resolved.Key]}
		for _, c := range cols {
			row[c] = string(flag)
		}
		layer.Rows = append(layer.Rows, row)
	}

	res := &ManualResult{Dataset: name, BatchID: newBatchID(), Rows: layer.Len()}
	entries := s.layerEntries(name, store.SourceManual, res.BatchID, req.Reviewer, layer)
	res.Values = len(entries)
	if err := s.store.SaveFlags(ctx, entries); err != nil {
		return nil, err
	}

	s.logger.Info("manual flags stored",
		"dataset", name,
		"flag", flag,
		"rows", res.Rows,
		"reviewer", req.Reviewer,
		"batch_id", res.BatchID,
	)
	s.hub.Publish(events.Event{Type: events.TypeFlags, Dataset: name, BatchID: res.BatchID, Rows: res.Rows, Reviewer: req.Reviewer})
	return res, nil
}

func matches(current, want flags.Flag) bool {
	if want == flags.Unknown {
		return current.IsUnset()
	}
	return current == want
}

// Summary returns the flag distribution of a variable's flag column in the
// resolved dataset.
func (s *Service) Summary(ctx context.Context, name, variable string) ([]stats.FlagShare, error) {
	t, err := s.Resolved(ctx, name)
	if err != nil {
		return nil, err
	}
	col := s.pipeline.Resolver().Resolve(variable)
	if !t.HasColumn(col) {
		t.AddColumn(col)
	}
	return stats.FlagDistribution(t, col)
}

// CastSuggestions proposes a flag per cast from the level 1 outcomes of
// variable in the resolved dataset.
func (s *Service) CastSuggestions(ctx context.Context, name, variable, castColumn string) ([]qc.CastSuggestion, error) {
	t, err := s.Resolved(ctx, name)
	if err != nil {
		return nil, err
	}
	out, err := qc.SuggestCastFlags(t, variable, castColumn, s.pipeline.Resolver())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return out, nil
}
