package planner

import (
	"sort"
	"strings"

	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/payload"
)

// entityGroup holds every source and target row belonging to one entity.
type entityGroup struct {
	groupingKey  string
	isNewEntity  bool
	identityKeys models.Payload
	sourceRows   []models.MatchedSourceRow
	targetRows   []models.TargetRow
}

// atomicSegment is one time slice between consecutive boundaries.
type atomicSegment struct {
	groupingKey  string
	validFrom    string
	validUntil   string
	isNewEntity  bool
	identityKeys models.Payload
	causalID     string
}

func groupByEntity(matched []models.MatchedSourceRow, targetRows []models.TargetRow, pctx *Context) map[string]*entityGroup {
	groups := map[string]*entityGroup{}

	for _, ms := range matched {
		group, ok := groups[ms.GroupingKey]
		if !ok {
			idKeys := ms.DiscoveredIdentity
			if idKeys == nil {
				idKeys = ms.Source.IdentityKeys
			}
			group = &entityGroup{
				groupingKey:  ms.GroupingKey,
				isNewEntity:  ms.IsNewEntity,
				identityKeys: idKeys,
			}
			groups[ms.GroupingKey] = group
		}
		group.sourceRows = append(group.sourceRows, ms)
	}

	for i := range targetRows {
		tr := &targetRows[i]
		key := "existing_entity__" + joinIdentityCols(tr.IdentityKeys, pctx.IdentityColumns)
		if group, ok := groups[key]; ok {
			group.targetRows = append(group.targetRows, *tr)
		} else if pctx.DeleteMode.DeletesEntities() {
			// Entity absent from the source batch; kept so its slices can
			// become DELETE candidates.
			groups[key] = &entityGroup{
				groupingKey:  key,
				identityKeys: tr.IdentityKeys,
				targetRows:   []models.TargetRow{*tr},
			}
		}
	}

	return groups
}

func joinIdentityCols(p models.Payload, cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		v, ok := p[c]
		if !ok {
			parts = append(parts, "_NULL_")
			continue
		}
		parts = append(parts, payload.ValueString(v))
	}
	return strings.Join(parts, "__")
}

func filterByMode(active []*models.MatchedSourceRow, pctx *Context) []*models.MatchedSourceRow {
	switch {
	case pctx.Mode == models.InsertNewEntities:
		out := active[:0:0]
		for _, sr := range active {
			if sr.IsNewEntity {
				out = append(out, sr)
			}
		}
		return out
	case pctx.Mode.IsForPortionOf():
		out := active[:0:0]
		for _, sr := range active {
			if !sr.IsNewEntity {
				out = append(out, sr)
			}
		}
		return out
	}
	return active
}

// buildAtomicSegments splits the entity's combined timeline at every source
// and target boundary.
func buildAtomicSegments(group *entityGroup, active []*models.MatchedSourceRow, pctx *Context) []atomicSegment {
	numeric := pctx.Era.IsNumeric()

	var boundaries []string
	for _, sr := range active {
		boundaries = append(boundaries, sr.Source.ValidFrom, sr.Source.ValidUntil)
	}
	for _, tr := range group.targetRows {
		boundaries = append(boundaries, tr.ValidFrom, tr.ValidUntil)
	}
	sort.Slice(boundaries, func(a, b int) bool {
		return interval.Compare(boundaries[a], boundaries[b], numeric) < 0
	})
	boundaries = dedupeStrings(boundaries)

	// Existing entities share the founding (minimum) causal id across all
	// segments; new entities keep per-source causal ids.
	causalID := ""
	if group.isNewEntity {
		if len(active) > 0 {
			causalID = active[0].Source.CausalID
		}
	} else {
		for _, sr := range active {
			if causalID == "" || sr.Source.CausalID < causalID {
				causalID = sr.Source.CausalID
			}
		}
	}

	var segments []atomicSegment
	for i := 0; i+1 < len(boundaries); i++ {
		from, until := boundaries[i], boundaries[i+1]
		if interval.Compare(from, until, numeric) >= 0 {
			continue
		}
		segments = append(segments, atomicSegment{
			groupingKey:  group.groupingKey,
			validFrom:    from,
			validUntil:   until,
			isNewEntity:  group.isNewEntity,
			identityKeys: group.identityKeys,
			causalID:     causalID,
		})
	}

	return segments
}

func dedupeStrings(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
