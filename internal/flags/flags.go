// Package flags holds the QC flag taxonomy: QARTOD-style test outcome codes, the
// categorical site flags reviewers work with, and the lookup tables between them.
package flags

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is a QARTOD test outcome code.
//
//	1 - PASS           test passed
//	2 - NOT_EVALUATED  test could not run (no predecessor, too few samples)
//	3 - SUSPECT        value outside the suspect span or above the suspect threshold
//	4 - FAIL           value outside the fail span or above the fail threshold
//	9 - MISSING        measurement is null
type Code int

const (
	CodeUnset        Code = 0
	CodePass         Code = 1
	CodeNotEvaluated Code = 2
	CodeSuspect      Code = 3
	CodeFail         Code = 4
	CodeMissing      Code = 9
)

// Valid reports whether c is one of the five QARTOD outcome codes.
func (c Code) Valid() bool {
	switch c {
	case CodePass, CodeNotEvaluated, CodeSuspect, CodeFail, CodeMissing:
		return true
	}
	return false
}

// Severity orders codes PASS < NOT_EVALUATED < SUSPECT < FAIL < MISSING.
func (c Code) Severity() int {
	switch c {
	case CodePass:
		return 1
	case CodeNotEvaluated:
		return 2
	case CodeSuspect:
		return 3
	case CodeFail:
		return 4
	case CodeMissing:
		return 5
	}
	return 0
}

// Precedence ranks codes when several tests judged the same value.
// NOT_EVALUATED ranks below PASS and MISSING ranks highest.
func (c Code) Precedence() int {
	switch c {
	case CodeNotEvaluated:
		return 1
	case CodePass:
		return 2
	case CodeSuspect:
		return 3
	case CodeFail:
		return 4
	case CodeMissing:
		return 5
	}
	return 0
}

func (c Code) String() string {
	switch c {
	case CodePass:
		return "PASS"
	case CodeNotEvaluated:
		return "NOT_EVALUATED"
	case CodeSuspect:
		return "SUSPECT"
	case CodeFail:
		return "FAIL"
	case CodeMissing:
		return "MISSING"
	}
	return "UNSET"
}

// ParseCode accepts the numeric form ("3", "3.0") or the name ("SUSPECT").
func ParseCode(s string) (Code, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CodeUnset, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		c := Code(int(f))
		if float64(c) != f || !c.Valid() {
			return CodeUnset, fmt.Errorf("invalid outcome code %q", s)
		}
		return c, nil
	}
	for _, c := range []Code{CodePass, CodeNotEvaluated, CodeSuspect, CodeFail, CodeMissing} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return CodeUnset, fmt.Errorf("invalid outcome code %q", s)
}

// Flag is a categorical site flag. The empty Flag is the unset state.
type Flag string

const (
	Unset               Flag = ""
	Acceptable          Flag = "AV"
	SuspectCaution      Flag = "SVC"
	SuspectDiscard      Flag = "SVD"
	BelowDetectionLimit Flag = "BDL"
	NotAvailable        Flag = "NA"
	Unknown             Flag = "UKN"
)

// All lists every non-empty flag in display order.
var All = []Flag{Acceptable, SuspectCaution, SuspectDiscard, BelowDetectionLimit, NotAvailable, Unknown}

// Valid reports whether f is a known non-empty flag.
func (f Flag) Valid() bool {
	for _, known := range All {
		if f == known {
			return true
		}
	}
	return false
}

// IsUnset reports whether f carries no reviewer or test opinion. UKN counts as
// unset for selection purposes.
func (f Flag) IsUnset() bool {
	return f == Unset || f == Unknown
}

// ParseFlag accepts either the short value ("SVC") or its label.
func ParseFlag(s string) (Flag, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unset, nil
	}
	for _, f := range All {
		if strings.EqualFold(s, string(f)) || strings.EqualFold(s, labels[f]) {
			return f, nil
		}
	}
	return Unset, fmt.Errorf("invalid flag %q", s)
}

var codeToFlag = map[Code]Flag{
	CodePass:         Acceptable,
	CodeNotEvaluated: Unknown,
	CodeSuspect:      SuspectCaution,
	CodeFail:         SuspectDiscard,
	CodeMissing:      NotAvailable,
}

// flagToCode is the reverse table. BDL values are measured and kept, so they
// map back to PASS.
var flagToCode = map[Flag]Code{
	Acceptable:          CodePass,
	Unknown:             CodeNotEvaluated,
	SuspectCaution:      CodeSuspect,
	SuspectDiscard:      CodeFail,
	NotAvailable:        CodeMissing,
	BelowDetectionLimit: CodePass,
}

// CodeToFlag translates an outcome code to its site flag.
func CodeToFlag(c Code) Flag {
	return codeToFlag[c]
}

// FlagToCode translates a site flag back to its outcome code class.
func FlagToCode(f Flag) (Code, bool) {
	c, ok := flagToCode[f]
	return c, ok
}
