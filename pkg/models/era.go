package models

// Era describes the temporal columns of a registered era on a target table,
// as recorded in the era registry.
type Era struct {
	TableSchema          string
	TableName            string
	Name                 string
	RangeColumn          string
	ValidFromColumn      string
	ValidUntilColumn     string
	ValidToColumn        string // optional; inclusive end kept as valid_until - 1 day
	RangeType            string
	MultirangeType       string
	RangeSubtype         string
	RangeSubtypeCategory string // pg_type.typcategory of the subtype: "N" numeric, "D" date/time
	EphemeralColumns     []string
}

// IsNumeric reports whether boundary values order numerically rather than as
// date/timestamp text.
func (e Era) IsNumeric() bool {
	return e.RangeSubtypeCategory == "N"
}

// SyncsValidTo reports whether the era maintains an inclusive valid_to column.
func (e Era) SyncsValidTo() bool {
	return e.ValidToColumn != ""
}

// IdentityStrategy describes which entity keys a merge request can correlate
// on.
type IdentityStrategy string

const (
	StrategyHybrid          IdentityStrategy = "HYBRID"
	StrategyIdentityKeyOnly IdentityStrategy = "IDENTITY_KEY_ONLY"
	StrategyLookupKeyOnly   IdentityStrategy = "LOOKUP_KEY_ONLY"
	StrategyUndefined       IdentityStrategy = "UNDEFINED"
)
