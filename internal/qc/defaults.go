package qc

import (
	_ "embed"
	"fmt"
)

//go:embed nutrients.yaml
var nutrientsYAML []byte

// NutrientVariables are the variables tested by the default nutrient
// configuration.
var NutrientVariables = []string{"no2_no3_um", "po4", "sio2"}

// DefaultNutrientConfig returns the built-in nutrient configuration: gross
// range tests near the surface, range and spike tests below 50 m, and the
// laboratory detection limits.
func DefaultNutrientConfig() *Config {
	cfg, err := Parse(nutrientsYAML)
	if err != nil {
		panic(fmt.Sprintf("qc: embedded nutrient config: %v", err))
	}
	return cfg
}

// DefaultConfigYAML returns the embedded nutrient configuration document.
func DefaultConfigYAML() []byte {
	out := make([]byte, len(nutrientsYAML))
	copy(out, nutrientsYAML)
	return out
}
