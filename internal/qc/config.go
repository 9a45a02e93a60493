// Package qc runs QARTOD-style automated tests over grouped time series and
// reduces their outcomes to one flag per variable per record.
package qc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks every configuration problem: unknown tests or methods,
// malformed thresholds, predicates that do not compile.
var ErrConfig = errors.New("invalid qc configuration")

// Test names understood by the runner.
const (
	TestGrossRange   = "gross_range_test"
	TestSpike        = "spike_test"
	TestRateOfChange = "rate_of_change_test"
	TestLocation     = "location_test"
)

// Spike methods.
const (
	MethodDifferential = "differential"
	MethodAverage      = "average"
)

// Overlap decides what happens when a record matches more than one context.
type Overlap string

const (
	// OverlapStack tests the record under every matching context and
	// aggregates across all passes.
	OverlapStack Overlap = "stack"
	// OverlapReject fails the run when any record matches two contexts.
	OverlapReject Overlap = "reject"
)

// TestSpec is one named test with its thresholds. Only the fields relevant to
// Name are set.
type TestSpec struct {
	Name string

	// gross_range_test
	SuspectSpan [2]float64
	FailSpan    [2]float64

	// spike_test
	SuspectThreshold float64
	FailThreshold    float64
	Method           string

	// rate_of_change_test, in units per second
	RateThreshold float64

	// location_test: lon_min, lat_min, lon_max, lat_max
	BBox [4]float64
}

// Stream is the ordered list of tests for one variable.
type Stream struct {
	Variable string
	Tests    []TestSpec
}

// Window limits a context to records collected in [Starting, Ending). A nil
// bound is open.
type Window struct {
	Starting *time.Time
	Ending   *time.Time
}

func (w Window) contains(ts time.Time) bool {
	if w.Starting != nil && ts.Before(*w.Starting) {
		return false
	}
	if w.Ending != nil && !ts.Before(*w.Ending) {
		return false
	}
	return true
}

func (w Window) open() bool {
	return w.Starting == nil && w.Ending == nil
}

// Context pairs a record filter with the streams tested on matching records.
type Context struct {
	Filter  string
	Window  Window
	Streams []Stream

	predicate *Predicate
}

// Config is a parsed, validated test configuration. A Config is immutable once
// returned by Parse or NewConfig and safe for concurrent use.
type Config struct {
	Overlap         Overlap
	DetectionLimits map[string]float64
	Contexts        []Context
}

// NewConfig validates contexts and compiles their filters.
func NewConfig(overlap Overlap, limits map[string]float64, contexts ...Context) (*Config, error) {
	if overlap == "" {
		overlap = OverlapStack
	}
	cfg := &Config{
		Overlap:         overlap,
		DetectionLimits: make(map[string]float64, len(limits)),
		Contexts:        make([]Context, len(contexts)),
	}
	for k, v := range limits {
		cfg.DetectionLimits[k] = v
	}
	copy(cfg.Contexts, contexts)
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	switch c.Overlap {
	case OverlapStack, OverlapReject:
	default:
		return fmt.Errorf("%w: overlap must be %q or %q, got %q", ErrConfig, OverlapStack, OverlapReject, c.Overlap)
	}
	if len(c.Contexts) == 0 {
		return fmt.Errorf("%w: at least one context is required", ErrConfig)
	}
	for i := range c.Contexts {
		ctx := &c.Contexts[i]
		p, err := CompilePredicate(ctx.Filter)
		if err != nil {
			return fmt.Errorf("context[%d]: %w", i, err)
		}
		ctx.predicate = p
		if len(ctx.Streams) == 0 {
			return fmt.Errorf("%w: context[%d] has no streams", ErrConfig, i)
		}
		for _, s := range ctx.Streams {
			for _, tst := range s.Tests {
				if err := tst.validate(); err != nil {
					return fmt.Errorf("context[%d] %s: %w", i, s.Variable, err)
				}
			}
		}
	}
	return nil
}

// Variables returns every configured variable in first-seen order.
func (c *Config) Variables() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ctx := range c.Contexts {
		for _, s := range ctx.Streams {
			if !seen[s.Variable] {
				seen[s.Variable] = true
				out = append(out, s.Variable)
			}
		}
	}
	return out
}

func (t TestSpec) validate() error {
	switch t.Name {
	case TestGrossRange:
		if t.FailSpan[0] > t.FailSpan[1] || t.SuspectSpan[0] > t.SuspectSpan[1] {
			return fmt.Errorf("%w: %s spans must be [low, high]", ErrConfig, t.Name)
		}
		if t.SuspectSpan[0] < t.FailSpan[0] || t.SuspectSpan[1] > t.FailSpan[1] {
			return fmt.Errorf("%w: %s suspect_span must fall within fail_span", ErrConfig, t.Name)
		}
	case TestSpike:
		switch t.Method {
		case MethodDifferential, MethodAverage:
		default:
			return fmt.Errorf("%w: unknown %s method %q", ErrConfig, t.Name, t.Method)
		}
		if t.SuspectThreshold < 0 || t.FailThreshold < t.SuspectThreshold {
			return fmt.Errorf("%w: %s needs 0 <= suspect_threshold <= fail_threshold", ErrConfig, t.Name)
		}
	case TestRateOfChange:
		if t.RateThreshold <= 0 {
			return fmt.Errorf("%w: %s threshold must be positive", ErrConfig, t.Name)
		}
	case TestLocation:
		if t.BBox[0] > t.BBox[2] || t.BBox[1] > t.BBox[3] {
			return fmt.Errorf("%w: %s bbox must be [lon_min, lat_min, lon_max, lat_max]", ErrConfig, t.Name)
		}
	default:
		return fmt.Errorf("%w: unknown test %q", ErrConfig, t.Name)
	}
	return nil
}

type rawConfig struct {
	Overlap         string             `yaml:"overlap"`
	DetectionLimits map[string]float64 `yaml:"detection_limits"`
	Contexts        []rawContext       `yaml:"contexts"`
}

type rawContext struct {
	Filter  string     `yaml:"filter"`
	Window  *rawWindow `yaml:"window"`
	Streams yaml.Node  `yaml:"streams"`
}

type rawWindow struct {
	Starting *time.Time `yaml:"starting"`
	Ending   *time.Time `yaml:"ending"`
}

type rawTest struct {
	SuspectSpan      []float64 `yaml:"suspect_span"`
	FailSpan         []float64 `yaml:"fail_span"`
	SuspectThreshold *float64  `yaml:"suspect_threshold"`
	FailThreshold    *float64  `yaml:"fail_threshold"`
	Method           string    `yaml:"method"`
	Threshold        *float64  `yaml:"threshold"`
	BBox             []float64 `yaml:"bbox"`
}

// Parse reads a YAML test configuration. Stream and test order follow the
// document. A variable may nest its tests under a "qartod" key.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	contexts := make([]Context, 0, len(raw.Contexts))
	for i, rc := range raw.Contexts {
		ctx := Context{Filter: rc.Filter}
		if rc.Window != nil {
			ctx.Window = Window{Starting: rc.Window.Starting, Ending: rc.Window.Ending}
		}
		streams, err := parseStreams(&rc.Streams)
		if err != nil {
			return nil, fmt.Errorf("context[%d]: %w", i, err)
		}
		ctx.Streams = streams
		contexts = append(contexts, ctx)
	}
	return NewConfig(Overlap(raw.Overlap), raw.DetectionLimits, contexts...)
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading qc config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func parseStreams(node *yaml.Node) ([]Stream, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: streams must be a mapping", ErrConfig)
	}
	var out []Stream
	for i := 0; i+1 < len(node.Content); i += 2 {
		variable := node.Content[i].Value
		body := node.Content[i+1]
		if body.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: stream %q must be a mapping", ErrConfig, variable)
		}
		if len(body.Content) == 2 && body.Content[0].Value == "qartod" {
			body = body.Content[1]
		}
		tests, err := parseTests(variable, body)
		if err != nil {
			return nil, err
		}
		out = append(out, Stream{Variable: variable, Tests: tests})
	}
	return out, nil
}

func parseTests(variable string, node *yaml.Node) ([]TestSpec, error) {
	var out []TestSpec
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var rt rawTest
		if err := node.Content[i+1].Decode(&rt); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrConfig, variable, name, err)
		}
		spec, err := rt.spec(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", variable, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

func (rt rawTest) spec(name string) (TestSpec, error) {
	spec := TestSpec{Name: name}
	switch name {
	case TestGrossRange:
		if len(rt.FailSpan) != 2 {
			return spec, fmt.Errorf("%w: %s requires fail_span [low, high]", ErrConfig, name)
		}
		spec.FailSpan = [2]float64{rt.FailSpan[0], rt.FailSpan[1]}
		switch len(rt.SuspectSpan) {
		case 0:
			spec.SuspectSpan = spec.FailSpan
		case 2:
			spec.SuspectSpan = [2]float64{rt.SuspectSpan[0], rt.SuspectSpan[1]}
		default:
			return spec, fmt.Errorf("%w: %s suspect_span must be [low, high]", ErrConfig, name)
		}
	case TestSpike:
		if rt.SuspectThreshold == nil || rt.FailThreshold == nil {
			return spec, fmt.Errorf("%w: %s requires suspect_threshold and fail_threshold", ErrConfig, name)
		}
		spec.SuspectThreshold = *rt.SuspectThreshold
		spec.FailThreshold = *rt.FailThreshold
		spec.Method = rt.Method
		if spec.Method == "" {
			spec.Method = MethodDifferential
		}
	case TestRateOfChange:
		if rt.Threshold == nil {
			return spec, fmt.Errorf("%w: %s requires threshold", ErrConfig, name)
		}
		spec.RateThreshold = *rt.Threshold
	case TestLocation:
		if len(rt.BBox) != 4 {
			return spec, fmt.Errorf("%w: %s requires bbox [lon_min, lat_min, lon_max, lat_max]", ErrConfig, name)
		}
		copy(spec.BBox[:], rt.BBox)
	default:
		return spec, fmt.Errorf("%w: unknown test %q", ErrConfig, name)
	}
	return spec, nil
}
