// Package payload implements the value semantics used throughout planning:
// NULL stripping, NULL-insensitive equality, patch/replace overlays, and the
// content hash that drives coalescing.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/sagadb/sage/pkg/models"
)

// StripNulls returns a copy of p without NULL-valued keys. Nil input stays
// nil.
func StripNulls(p models.Payload) models.Payload {
	if p == nil {
		return nil
	}
	out := make(models.Payload, len(p))
	for k, v := range p {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// StripNullsFor removes only the listed keys when their value is NULL. Used
// for exclude-if-NULL columns in upsert and replace modes, where a NULL
// source value must not clobber a NOT NULL DEFAULT target column.
func StripNullsFor(p models.Payload, cols map[string]struct{}) models.Payload {
	if p == nil {
		return nil
	}
	out := make(models.Payload, len(p))
	for k, v := range p {
		if v == nil {
			if _, excluded := cols[k]; excluded {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// EqualIgnoringNulls reports whether the non-NULL projections of a and b are
// identical. NULL values count as absent on both sides.
func EqualIgnoringNulls(a, b models.Payload) bool {
	for k, av := range a {
		if av == nil {
			continue
		}
		bv, ok := b[k]
		if !ok || bv == nil || !valueEqual(av, bv) {
			return false
		}
	}
	for k, bv := range b {
		if bv == nil {
			continue
		}
		av, ok := a[k]
		if !ok || av == nil {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if a == b {
		return true
	}
	// Nested structures fall back to canonical JSON.
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Overlay applies src on top of base. When patch is true, NULL source values
// leave the base value intact; otherwise they overwrite it.
func Overlay(base, src models.Payload, patch bool) models.Payload {
	out := base.Clone()
	if out == nil {
		out = models.Payload{}
	}
	for k, v := range src {
		if v == nil && patch {
			continue
		}
		out[k] = v
	}
	return out
}

// ValueString renders a scalar JSON value the way key and grouping strings
// expect it: strings unquoted, numbers and booleans in their text form, NULL
// as "_NULL_".
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return "_NULL_"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// KeyString builds a stable lookup key from all non-NULL entries of p, as
// sorted col=value pairs. Empty when every value is NULL.
func KeyString(p models.Payload) string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		if v != nil {
			parts = append(parts, k+"="+ValueString(v))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "__")
}

// KeyStringFor builds a lookup key from the listed columns only, in column
// order, skipping NULLs. Empty when every listed column is NULL or missing.
func KeyStringFor(p models.Payload, cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		if v, ok := p[col]; ok && v != nil {
			parts = append(parts, col+"="+ValueString(v))
		}
	}
	return strings.Join(parts, "__")
}

// PGText renders p in PostgreSQL's jsonb text style: sorted keys, a space
// after each colon and comma. Used in user-facing messages so they read the
// same as server-side output.
func PGText(p models.Payload) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vb, err := json.Marshal(p[k])
		if err != nil {
			continue
		}
		parts = append(parts, `"`+k+`": `+string(vb))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Hash returns the content signature of p's non-NULL projection, as a
// hex-encoded xxhash digest. Two payloads hash equal exactly when their
// non-NULL keys and values match.
func Hash(p models.Payload) string {
	stripped := StripNulls(p)
	keys := make([]string, 0, len(stripped))
	for k := range stripped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	for _, k := range keys {
		vb, err := json.Marshal(stripped[k])
		if err != nil {
			continue
		}
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
		_, _ = d.Write(vb)
		_, _ = d.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
