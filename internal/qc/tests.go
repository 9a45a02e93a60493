package qc

import (
	"math"
	"time"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
)

// series is one ordered partition as seen by a single variable.
type series struct {
	values  []float64
	present []bool
	times   []time.Time
	hasTime []bool
	lats    []float64
	lons    []float64
	hasPos  []bool
}

func (s *series) len() int {
	return len(s.values)
}

// runTest dispatches spec over s. Specs are validated before a run starts.
func runTest(spec TestSpec, s *series) []flags.Code {
	switch spec.Name {
	case TestGrossRange:
		return grossRange(spec, s)
	case TestSpike:
		return spike(spec, s)
	case TestRateOfChange:
		return rateOfChange(spec, s)
	case TestLocation:
		return location(spec, s)
	}
	panic("qc: unvalidated test " + spec.Name)
}

// GrossRange classifies a single value. Bounds belong to the more severe class:
// a value equal to fail_lo is FAIL.
func GrossRange(v float64, suspect, fail [2]float64) flags.Code {
	switch {
	case v <= fail[0] || v >= fail[1]:
		return flags.CodeFail
	case v <= suspect[0] || v >= suspect[1]:
		return flags.CodeSuspect
	}
	return flags.CodePass
}

func grossRange(spec TestSpec, s *series) []flags.Code {
	out := make([]flags.Code, s.len())
	for i := range out {
		if !s.present[i] {
			out[i] = flags.CodeMissing
			continue
		}
		out[i] = GrossRange(s.values[i], spec.SuspectSpan, spec.FailSpan)
	}
	return out
}

func thresholdCode(diff, suspect, fail float64) flags.Code {
	switch {
	case diff >= fail:
		return flags.CodeFail
	case diff >= suspect:
		return flags.CodeSuspect
	}
	return flags.CodePass
}

func spike(spec TestSpec, s *series) []flags.Code {
	n := s.len()
	out := make([]flags.Code, n)
	for i := range out {
		if !s.present[i] {
			out[i] = flags.CodeMissing
			continue
		}
		if n < 2 || i == 0 || !s.present[i-1] {
			out[i] = flags.CodeNotEvaluated
			continue
		}
		var diff float64
		switch spec.Method {
		case MethodAverage:
			if i == n-1 || !s.present[i+1] {
				out[i] = flags.CodeNotEvaluated
				continue
			}
			diff = math.Abs(s.values[i] - (s.values[i-1]+s.values[i+1])/2)
		default:
			diff = math.Abs(s.values[i] - s.values[i-1])
		}
		out[i] = thresholdCode(diff, spec.SuspectThreshold, spec.FailThreshold)
	}
	return out
}

func rateOfChange(spec TestSpec, s *series) []flags.Code {
	n := s.len()
	out := make([]flags.Code, n)
	for i := range out {
		if !s.present[i] {
			out[i] = flags.CodeMissing
			continue
		}
		if n < 2 || i == 0 || !s.present[i-1] || !s.hasTime[i] || !s.hasTime[i-1] {
			out[i] = flags.CodeNotEvaluated
			continue
		}
		dt := s.times[i].Sub(s.times[i-1]).Seconds()
		if dt <= 0 {
			out[i] = flags.CodeNotEvaluated
			continue
		}
		if math.Abs(s.values[i]-s.values[i-1])/dt > spec.RateThreshold {
			out[i] = flags.CodeSuspect
		} else {
			out[i] = flags.CodePass
		}
	}
	return out
}

func location(spec TestSpec, s *series) []flags.Code {
	out := make([]flags.Code, s.len())
	for i := range out {
		if !s.hasPos[i] {
			out[i] = flags.CodeNotEvaluated
			continue
		}
		lon, lat := s.lons[i], s.lats[i]
		if lon < spec.BBox[0] || lat < spec.BBox[1] || lon > spec.BBox[2] || lat > spec.BBox[3] {
			out[i] = flags.CodeFail
		} else {
			out[i] = flags.CodePass
		}
	}
	return out
}
