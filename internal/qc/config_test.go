package qc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
overlap: reject
detection_limits: {x: 0.5}
contexts:
  - filter: "depth < 50"
    window:
      starting: 2015-01-01T00:00:00Z
    streams:
      x:
        qartod:
          gross_range_test: {suspect_span: [1, 9], fail_span: [0, 10]}
          spike_test: {suspect_threshold: 1, fail_threshold: 2}
      y:
        gross_range_test: {fail_span: [-2, 35]}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Overlap != OverlapReject {
		t.Errorf("Overlap = %q, want reject", cfg.Overlap)
	}
	if cfg.DetectionLimits["x"] != 0.5 {
		t.Errorf("DetectionLimits[x] = %v, want 0.5", cfg.DetectionLimits["x"])
	}
	if len(cfg.Contexts) != 1 {
		t.Fatalf("len(Contexts) = %d, want 1", len(cfg.Contexts))
	}
	c := cfg.Contexts[0]
	if c.Window.Starting == nil || c.Window.Starting.Year() != 2015 || c.Window.Ending != nil {
		t.Errorf("Window = %+v", c.Window)
	}

	want := []Stream{
		{Variable: "x", Tests: []TestSpec{
			{Name: TestGrossRange, SuspectSpan: [2]float64{1, 9}, FailSpan: [2]float64{0, 10}},
			{Name: TestSpike, SuspectThreshold: 1, FailThreshold: 2, Method: MethodDifferential},
		}},
		{Variable: "y", Tests: []TestSpec{
			{Name: TestGrossRange, SuspectSpan: [2]float64{-2, 35}, FailSpan: [2]float64{-2, 35}},
		}},
	}
	if diff := cmp.Diff(want, c.Streams); diff != "" {
		t.Errorf("Streams mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x", "y"}, cfg.Variables()); diff != "" {
		t.Errorf("Variables mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown test", `
contexts:
  - streams:
      x:
        flat_line_test: {tolerance: 1}
`},
		{"unknown spike method", `
contexts:
  - streams:
      x:
        spike_test: {suspect_threshold: 1, fail_threshold: 2, method: median}
`},
		{"spike thresholds reversed", `
contexts:
  - streams:
      x:
        spike_test: {suspect_threshold: 3, fail_threshold: 2}
`},
		{"suspect outside fail", `
contexts:
  - streams:
      x:
        gross_range_test: {suspect_span: [0, 50], fail_span: [0, 40]}
`},
		{"missing fail span", `
contexts:
  - streams:
      x:
        gross_range_test: {suspect_span: [0, 50]}
`},
		{"malformed filter", `
contexts:
  - filter: "depth <"
    streams:
      x:
        gross_range_test: {fail_span: [0, 40]}
`},
		{"bad overlap", `
overlap: merge
contexts:
  - streams:
      x:
        gross_range_test: {fail_span: [0, 40]}
`},
		{"no contexts", `overlap: stack`},
		{"empty streams", `
contexts:
  - filter: "depth > 0"
`},
		{"not yaml", `contexts: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrConfig) {
				t.Errorf("Parse error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestDefaultNutrientConfig(t *testing.T) {
	cfg := DefaultNutrientConfig()
	if len(cfg.Contexts) != 2 {
		t.Fatalf("len(Contexts) = %d, want 2", len(cfg.Contexts))
	}
	if diff := cmp.Diff(NutrientVariables, cfg.Variables()); diff != "" {
		t.Errorf("Variables mismatch (-want +got):\n%s", diff)
	}
	if cfg.DetectionLimits["po4"] != 0.032 {
		t.Errorf("po4 detection limit = %v, want 0.032", cfg.DetectionLimits["po4"])
	}
	deep := cfg.Contexts[1]
	if got := len(deep.Streams[0].Tests); got != 2 {
		t.Errorf("deep no2_no3_um tests = %d, want 2", got)
	}
	if deep.Streams[1].Tests[1].FailThreshold != 0.4 {
		t.Errorf("deep po4 spike fail threshold = %v, want 0.4", deep.Streams[1].Tests[1].FailThreshold)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc.yaml")
	if err := os.WriteFile(path, DefaultConfigYAML(), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewConfig_DefaultsToStack(t *testing.T) {
	cfg, err := NewConfig("", nil, Context{Streams: []Stream{{
		Variable: "x",
		Tests:    []TestSpec{{Name: TestLocation, BBox: [4]float64{-130, 48, -122, 52}}},
	}}})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Overlap != OverlapStack {
		t.Errorf("Overlap = %q, want stack", cfg.Overlap)
	}
}
