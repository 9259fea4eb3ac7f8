// Package interval implements comparisons over half-open temporal intervals
// [from, until), including Allen's interval algebra and multirange coverage
// checks. Boundary values are the text form of the range subtype; comparison
// is lexicographic for date/time subtypes and numeric for numeric subtypes.
package interval

import (
	"math"
	"strconv"
	"strings"
)

// Compare orders two boundary values. For numeric range subtypes the values
// are parsed as floats with "infinity"/"-infinity" honored; otherwise ISO
// date/timestamp strings compare correctly as text.
func Compare(a, b string, numeric bool) int {
	if !numeric {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	}

	av, bv := parseBoundary(a), parseBoundary(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

func parseBoundary(s string) float64 {
	switch s {
	case "infinity":
		return math.Inf(1)
	case "-infinity":
		return math.Inf(-1)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Relation is one of Allen's thirteen interval relations.
type Relation string

const (
	Precedes     Relation = "precedes"
	Meets        Relation = "meets"
	Overlaps     Relation = "overlaps"
	Starts       Relation = "starts"
	During       Relation = "during"
	Finishes     Relation = "finishes"
	Equals       Relation = "equals"
	PrecededBy   Relation = "preceded_by"
	MetBy        Relation = "met_by"
	OverlappedBy Relation = "overlapped_by"
	StartedBy    Relation = "started_by"
	Contains     Relation = "contains"
	FinishedBy   Relation = "finished_by"
)

// Relate computes the Allen relation of [xFrom, xUntil) relative to
// [yFrom, yUntil). It returns "" when any boundary is empty.
func Relate(xFrom, xUntil, yFrom, yUntil string, numeric bool) Relation {
	if xFrom == "" || xUntil == "" || yFrom == "" || yUntil == "" {
		return ""
	}

	lt := func(a, b string) bool { return Compare(a, b, numeric) < 0 }
	gt := func(a, b string) bool { return Compare(a, b, numeric) > 0 }
	eq := func(a, b string) bool { return Compare(a, b, numeric) == 0 }

	switch {
	case lt(xUntil, yFrom):
		return Precedes
	case eq(xUntil, yFrom):
		return Meets
	case lt(xFrom, yFrom) && lt(yFrom, xUntil) && lt(xUntil, yUntil):
		return Overlaps
	case eq(xFrom, yFrom) && lt(xUntil, yUntil):
		return Starts
	case gt(xFrom, yFrom) && lt(xUntil, yUntil):
		return During
	case gt(xFrom, yFrom) && eq(xUntil, yUntil):
		return Finishes
	case eq(xFrom, yFrom) && eq(xUntil, yUntil):
		return Equals
	case lt(yUntil, xFrom):
		return PrecededBy
	case eq(yUntil, xFrom):
		return MetBy
	case lt(yFrom, xFrom) && lt(xFrom, yUntil) && lt(yUntil, xUntil):
		return OverlappedBy
	case eq(xFrom, yFrom) && gt(xUntil, yUntil):
		return StartedBy
	case lt(xFrom, yFrom) && gt(xUntil, yUntil):
		return Contains
	case lt(xFrom, yFrom) && eq(xUntil, yUntil):
		return FinishedBy
	}
	return ""
}

// Overlap reports whether [aFrom, aUntil) and [bFrom, bUntil) share any point.
func Overlap(aFrom, aUntil, bFrom, bUntil string, numeric bool) bool {
	return Compare(aFrom, bUntil, numeric) < 0 && Compare(bFrom, aUntil, numeric) < 0
}

// FormatRange renders [from, until) in PostgreSQL's range text form, quoting
// boundary values that contain spaces (timestamps).
func FormatRange(from, until string) string {
	q := func(s string) string {
		if strings.Contains(s, " ") {
			return `"` + s + `"`
		}
		return s
	}
	return "[" + q(from) + "," + q(until) + ")"
}

// Span is a single half-open interval.
type Span struct {
	From  string
	Until string
}

// Multirange is a normalized set of disjoint, sorted spans.
type Multirange struct {
	spans   []Span
	numeric bool
}

// NewMultirange returns an empty multirange using the given boundary ordering.
func NewMultirange(numeric bool) *Multirange {
	return &Multirange{numeric: numeric}
}

// Add merges [from, until) into the set, coalescing overlapping and adjacent
// spans.
func (m *Multirange) Add(from, until string) {
	if Compare(from, until, m.numeric) >= 0 {
		return
	}

	merged := Span{From: from, Until: until}
	out := m.spans[:0:0]
	for _, s := range m.spans {
		switch {
		case Compare(s.Until, merged.From, m.numeric) < 0:
			out = append(out, s)
		case Compare(merged.Until, s.From, m.numeric) < 0:
			out = append(out, merged)
			merged = s
		default:
			if Compare(s.From, merged.From, m.numeric) < 0 {
				merged.From = s.From
			}
			if Compare(s.Until, merged.Until, m.numeric) > 0 {
				merged.Until = s.Until
			}
		}
	}
	m.spans = append(out, merged)
}

// Contains reports whether [from, until) is fully covered by the set.
func (m *Multirange) Contains(from, until string) bool {
	for _, s := range m.spans {
		if Compare(s.From, from, m.numeric) <= 0 && Compare(until, s.Until, m.numeric) <= 0 {
			return true
		}
	}
	return false
}

// Spans returns the normalized spans in order.
func (m *Multirange) Spans() []Span {
	return m.spans
}
