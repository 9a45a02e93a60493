package flags

import "strings"

const (
	flagSuffix   = "_flag"
	level1Suffix = "_flag_level_1"
)

// DefaultOverrides lists variables whose flag column does not follow the
// {variable}_flag convention.
var DefaultOverrides = map[string]string{
	"no2_no3_um": "no2_no3_flag",
}

// ColumnResolver maps a measured variable to the name of its flag column.
type ColumnResolver interface {
	Resolve(variable string) string
}

// TableResolver consults an explicit override table before falling back to the
// default suffix rule.
type TableResolver struct {
	overrides map[string]string
}

// NewColumnResolver returns a resolver using DefaultOverrides extended by extra.
// Entries in extra win over the defaults.
func NewColumnResolver(extra map[string]string) *TableResolver {
	o := make(map[string]string, len(DefaultOverrides)+len(extra))
	for k, v := range DefaultOverrides {
		o[k] = v
	}
	for k, v := range extra {
		o[k] = v
	}
	return &TableResolver{overrides: o}
}

// Resolve returns the flag column for variable. It never fails.
func (r *TableResolver) Resolve(variable string) string {
	if r != nil {
		if col, ok := r.overrides[variable]; ok {
			return col
		}
	}
	return variable + flagSuffix
}

// Level1Column returns the column holding the aggregate outcome code.
func Level1Column(variable string) string {
	return variable + level1Suffix
}

// IsFlagColumn reports whether col holds categorical flags. direction_flag is a
// cast attribute, not a QC flag.
func IsFlagColumn(col string) bool {
	return strings.HasSuffix(col, flagSuffix) && col != "direction_flag"
}

// IsLevel1Column reports whether col holds outcome codes.
func IsLevel1Column(col string) bool {
	return strings.HasSuffix(col, level1Suffix)
}
