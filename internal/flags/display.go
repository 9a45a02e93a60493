package flags

import "strconv"

var labels = map[Flag]string{
	Acceptable:          "Acceptable Value",
	SuspectCaution:      "Suspicious Value Cautious",
	SuspectDiscard:      "Suspicious Value Discard",
	BelowDetectionLimit: "Below Detection Limit",
	NotAvailable:        "Not Available",
	Unknown:             "Unknown",
}

var flagColors = map[Flag]string{
	Acceptable:          "#2ECC40",
	SuspectCaution:      "#FF851B",
	SuspectDiscard:      "#FF4136",
	BelowDetectionLimit: "pink",
	NotAvailable:        "purple",
	Unknown:             "grey",
}

var codeColors = map[Code]string{
	CodePass:         "#2ECC40",
	CodeNotEvaluated: "grey",
	CodeSuspect:      "#FF851B",
	CodeFail:         "#FF4136",
	CodeMissing:      "#FFDC00",
}

// Label returns the human readable name of f.
func (f Flag) Label() string {
	if l, ok := labels[f]; ok {
		return l
	}
	return "Unset"
}

// Color returns the display color for f. Unset flags are grey.
func Color(f Flag) string {
	if c, ok := flagColors[f]; ok {
		return c
	}
	return "grey"
}

// CodeColor returns the display color for an outcome code.
func CodeColor(c Code) string {
	if col, ok := codeColors[c]; ok {
		return col
	}
	return "grey"
}

// Option is a label/value pair offered to reviewers.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Conventions returns the option lists for each flag convention the review
// surface exposes, keyed by convention name.
func Conventions() map[string][]Option {
	hakai := make([]Option, 0, 4)
	for _, f := range []Flag{Acceptable, SuspectCaution, SuspectDiscard, BelowDetectionLimit} {
		hakai = append(hakai, Option{Label: f.Label(), Value: string(f)})
	}
	qartod := make([]Option, 0, 5)
	for _, c := range []Code{CodePass, CodeNotEvaluated, CodeSuspect, CodeFail, CodeMissing} {
		qartod = append(qartod, Option{Label: qartodLabel(c), Value: strconv.Itoa(int(c))})
	}
	return map[string][]Option{
		"Hakai":  hakai,
		"QARTOD": qartod,
		"quality_level": {
			{Label: "Raw", Value: "Raw"},
			{Label: "Technicianm", Value: "Technicianm"},
			{Label: "Technicianr", Value: "Technicianr"},
			{Label: "Technicianmr", Value: "Technicianmr"},
			{Label: "Principal Investigator", Value: "Principal Investigator"},
		},
		"row_flag": {
			{Label: "Collected", Value: "Collected"},
			{Label: "Submitted", Value: "Submitted"},
			{Label: "Results", Value: "Results"},
			{Label: "Not Available", Value: "Not Available"},
		},
	}
}

func qartodLabel(c Code) string {
	switch c {
	case CodePass:
		return "GOOD"
	case CodeNotEvaluated:
		return "UNKNOWN"
	}
	return c.String()
}
