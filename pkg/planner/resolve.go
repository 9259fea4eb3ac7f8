package planner

import (
	"sort"

	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/payload"
)

// resolvedSegment is an atomic segment with its payload resolved from the
// covering source and target rows.
type resolvedSegment struct {
	groupingKey  string
	validFrom    string
	validUntil   string
	isNewEntity  bool
	identityKeys models.Payload
	causalID     string
	rowIDs       []int64

	sourceValidFrom  string
	sourceValidUntil string
	targetValidFrom  string
	targetValidUntil string

	dataPayload       models.Payload
	hasData           bool
	ephemeralPayload  models.Payload
	targetDataPayload models.Payload
	dataHash          string

	hasSourceCoverage bool
	hasTargetCoverage bool
	stRelation        interval.Relation
}

func resolvePayloads(segments []atomicSegment, active []*models.MatchedSourceRow, targetRows []models.TargetRow, pctx *Context) []resolvedSegment {
	numeric := pctx.Era.IsNumeric()
	resolved := make([]resolvedSegment, 0, len(segments))

	for _, seg := range segments {
		var covering []*models.MatchedSourceRow
		for _, sr := range active {
			if interval.Compare(sr.Source.ValidFrom, seg.validFrom, numeric) <= 0 &&
				interval.Compare(sr.Source.ValidUntil, seg.validUntil, numeric) >= 0 {
				covering = append(covering, sr)
			}
		}
		sort.Slice(covering, func(a, b int) bool {
			return covering[a].Source.RowID < covering[b].Source.RowID
		})

		var coveringTarget *models.TargetRow
		for i := range targetRows {
			tr := &targetRows[i]
			if interval.Compare(tr.ValidFrom, seg.validFrom, numeric) <= 0 &&
				interval.Compare(tr.ValidUntil, seg.validUntil, numeric) >= 0 {
				coveringTarget = tr
				break
			}
		}

		var data models.Payload
		hasData := false
		var rowIDs []int64
		if pctx.Mode == models.DeleteForPortionOf && len(covering) > 0 {
			// Source coverage marks the period for removal; no payload.
			for _, sr := range covering {
				rowIDs = append(rowIDs, sr.Source.RowID)
			}
		} else {
			data, hasData, rowIDs = resolveSourcePayload(covering, coveringTarget, pctx)
		}

		sourceFrom, sourceUntil := "", ""
		if len(covering) > 0 {
			sourceFrom = covering[0].Source.ValidFrom
			sourceUntil = covering[len(covering)-1].Source.ValidUntil
		}
		targetFrom, targetUntil := "", ""
		if coveringTarget != nil {
			targetFrom = coveringTarget.ValidFrom
			targetUntil = coveringTarget.ValidUntil
		}

		stRelation := interval.Relate(sourceFrom, sourceUntil, targetFrom, targetUntil, numeric)

		dataHash := ""
		if hasData {
			dataHash = payload.Hash(data)
		}

		// Target ephemeral is the base; the newest covering source's
		// ephemeral values overlay it with mode-specific NULL stripping.
		var ephemeral models.Payload
		if len(covering) > 0 {
			ephemeral = models.Payload{}
			if coveringTarget != nil {
				ephemeral = coveringTarget.EphemeralPayload.Clone()
			}
			last := covering[len(covering)-1]
			for k, v := range last.Source.EphemeralPayload {
				if v == nil {
					if pctx.Mode.IsPatch() {
						continue
					}
					if _, excluded := pctx.ExcludeIfNull[k]; excluded {
						continue
					}
				}
				ephemeral[k] = v
			}
		} else if coveringTarget != nil {
			ephemeral = coveringTarget.EphemeralPayload
		}

		if !hasData && coveringTarget == nil {
			continue
		}
		// FOR_PORTION_OF modes only touch periods the target already covers;
		// a purely source-covered segment would otherwise INSERT with only
		// source columns.
		if pctx.Mode.IsForPortionOf() && coveringTarget == nil && len(covering) > 0 {
			continue
		}
		if !hasData && pctx.Mode == models.DeleteForPortionOf && len(covering) > 0 {
			continue
		}

		// Target-only segments inherit causal source info from the adjacent
		// source row, so SHRINK/GROW operations attribute to the row that
		// caused them.
		if len(covering) == 0 && len(active) > 0 {
			var causal *models.MatchedSourceRow
			for _, sr := range active {
				if sr.Source.ValidFrom == seg.validUntil || sr.Source.ValidUntil == seg.validFrom {
					causal = sr
					break
				}
			}
			if causal == nil {
				causal = active[0]
			}
			rowIDs = []int64{causal.Source.RowID}
			sourceFrom = causal.Source.ValidFrom
			sourceUntil = causal.Source.ValidUntil
			// The relation propagates only when the causal source actually
			// overlaps the covering target row; a source that merely meets
			// the target belongs to a different target partition.
			stRelation = ""
			if targetFrom != "" &&
				interval.Compare(sourceFrom, targetUntil, numeric) < 0 &&
				interval.Compare(sourceUntil, targetFrom, numeric) > 0 {
				stRelation = interval.Relate(sourceFrom, sourceUntil, targetFrom, targetUntil, numeric)
			}
		}

		causalID := seg.causalID
		if seg.isNewEntity && len(covering) > 0 {
			causalID = covering[len(covering)-1].Source.CausalID
		}

		var targetData models.Payload
		if coveringTarget != nil {
			targetData = coveringTarget.DataPayload
		}

		resolved = append(resolved, resolvedSegment{
			groupingKey:       seg.groupingKey,
			validFrom:         seg.validFrom,
			validUntil:        seg.validUntil,
			isNewEntity:       seg.isNewEntity,
			identityKeys:      seg.identityKeys,
			causalID:          causalID,
			rowIDs:            rowIDs,
			sourceValidFrom:   sourceFrom,
			sourceValidUntil:  sourceUntil,
			targetValidFrom:   targetFrom,
			targetValidUntil:  targetUntil,
			dataPayload:       data,
			hasData:           hasData,
			ephemeralPayload:  ephemeral,
			targetDataPayload: targetData,
			dataHash:          dataHash,
			hasSourceCoverage: len(covering) > 0,
			hasTargetCoverage: coveringTarget != nil,
			stRelation:        stRelation,
		})
	}

	return resolved
}

// resolveSourcePayload merges the covering sources onto the target base. In
// patch modes NULL source values are stripped entirely; in upsert and replace
// modes only exclude-if-NULL columns are stripped.
func resolveSourcePayload(covering []*models.MatchedSourceRow, coveringTarget *models.TargetRow, pctx *Context) (models.Payload, bool, []int64) {
	if len(covering) == 0 {
		if coveringTarget == nil {
			return nil, false, nil
		}
		return coveringTarget.DataPayload, true, nil
	}

	merged := models.Payload{}
	if coveringTarget != nil {
		merged = coveringTarget.DataPayload.Clone()
	}

	for _, sr := range covering {
		for k, v := range sr.Source.DataPayload {
			if v == nil {
				if pctx.Mode.IsPatch() {
					continue
				}
				if _, excluded := pctx.ExcludeIfNull[k]; excluded {
					continue
				}
			}
			merged[k] = v
		}
	}

	var rowIDs []int64
	if pctx.Mode.IsLastWriterWins() {
		rowIDs = []int64{covering[len(covering)-1].Source.RowID}
	} else {
		seen := map[int64]struct{}{}
		for _, sr := range covering {
			if _, ok := seen[sr.Source.RowID]; !ok {
				seen[sr.Source.RowID] = struct{}{}
				rowIDs = append(rowIDs, sr.Source.RowID)
			}
		}
	}

	return merged, true, rowIDs
}
