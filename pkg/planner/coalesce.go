package planner

import (
	"sort"

	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
)

// coalescedSegment is a run of adjacent resolved segments with identical
// comparable payload.
type coalescedSegment struct {
	groupingKey  string
	validFrom    string
	validUntil   string
	isNewEntity  bool
	identityKeys models.Payload
	causalID     string
	rowIDs       []int64

	dataPayload      models.Payload
	hasData          bool
	ephemeralPayload models.Payload

	// ancestorValidFrom is the original target valid_from this segment
	// derives from, used to join back to the target during the diff.
	ancestorValidFrom string
	dataHash          string

	hasSourceCoverage bool
	hasTargetCoverage bool
	stRelation        interval.Relation
}

// coalesceSegments merges adjacent segments of the same entity whose data
// hashes match. Row ids union; the first non-empty ancestor and relation win.
func coalesceSegments(resolved []resolvedSegment) []coalescedSegment {
	if len(resolved) == 0 {
		return nil
	}

	var coalesced []coalescedSegment
	var current *coalescedSegment

	for i := range resolved {
		seg := &resolved[i]
		if current != nil &&
			current.groupingKey == seg.groupingKey &&
			current.validUntil == seg.validFrom &&
			current.dataHash != "" &&
			current.dataHash == seg.dataHash {
			current.validUntil = seg.validUntil
			current.rowIDs = append(current.rowIDs, seg.rowIDs...)
			if seg.ephemeralPayload != nil {
				current.ephemeralPayload = seg.ephemeralPayload
			}
			current.hasSourceCoverage = current.hasSourceCoverage || seg.hasSourceCoverage
			current.hasTargetCoverage = current.hasTargetCoverage || seg.hasTargetCoverage
			if current.ancestorValidFrom == "" {
				current.ancestorValidFrom = seg.targetValidFrom
			}
			if current.stRelation == "" {
				current.stRelation = seg.stRelation
			}
			continue
		}

		if current != nil {
			coalesced = append(coalesced, *current)
		}
		current = &coalescedSegment{
			groupingKey:       seg.groupingKey,
			validFrom:         seg.validFrom,
			validUntil:        seg.validUntil,
			isNewEntity:       seg.isNewEntity,
			identityKeys:      seg.identityKeys,
			causalID:          seg.causalID,
			rowIDs:            append([]int64(nil), seg.rowIDs...),
			dataPayload:       seg.dataPayload,
			hasData:           seg.hasData,
			ephemeralPayload:  seg.ephemeralPayload,
			ancestorValidFrom: seg.targetValidFrom,
			dataHash:          seg.dataHash,
			hasSourceCoverage: seg.hasSourceCoverage,
			hasTargetCoverage: seg.hasTargetCoverage,
			stRelation:        seg.stRelation,
		}
	}
	if current != nil {
		coalesced = append(coalesced, *current)
	}

	for i := range coalesced {
		ids := coalesced[i].rowIDs
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		coalesced[i].rowIDs = dedupeInt64(ids)
	}

	return coalesced
}

func dedupeInt64(in []int64) []int64 {
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != in[i-1] {
			out = append(out, v)
		}
	}
	return out
}
