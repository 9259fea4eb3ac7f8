package planner

import (
	"sort"

	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/payload"
)

func classifyOperations(diffs []diffRow, group *entityGroup, pctx *Context) []models.PlanOp {
	numeric := pctx.Era.IsNumeric()
	var plan []models.PlanOp
	seq := int64(0)

	groupLookupKeys := buildGroupLookupKeys(group, pctx)

	hasActiveSources := false
	for _, sr := range group.sourceRows {
		if sr.EarlyFeedback == nil && !sr.IsEclipsed {
			hasActiveSources = true
			break
		}
	}

	updateRanks := assignUpdateRanks(diffs, numeric)

	for i := range diffs {
		d := &diffs[i]
		operation, effect := classifySingleDiff(d, updateRanks[i], numeric)

		// Target-only segments either become DELETEs under the matching
		// delete mode or are suppressed.
		if operation == models.ActionSkipIdentical && !d.hasSourceCoverage {
			shouldDelete := (hasActiveSources && pctx.DeleteMode.DeletesTimeline()) ||
				(!hasActiveSources && pctx.DeleteMode.DeletesEntities())
			if !shouldDelete {
				continue
			}
			operation = models.ActionDelete
		}

		seq++

		oldRange, newRange := "", ""
		if d.hasTarget {
			oldRange = interval.FormatRange(d.targetValidFrom, d.targetValidUntil)
		}
		if d.hasFinal {
			newRange = interval.FormatRange(d.finalValidFrom, d.finalValidUntil)
		}

		var baRelation interval.Relation
		if d.hasTarget && d.hasFinal {
			baRelation = interval.Relate(d.targetValidFrom, d.targetValidUntil, d.finalValidFrom, d.finalValidUntil, numeric)
		}

		var data models.Payload
		if d.hasFinal && d.finalPayload != nil {
			data = d.finalPayload.Clone()
			for k, v := range d.ephemeralPayload {
				data[k] = v
			}
			// valid_to is derived after coalescing so it never participates
			// in payload comparison.
			if pctx.Era.SyncsValidTo() {
				if vt := interval.DateMinusOne(d.finalValidUntil); vt != d.finalValidUntil {
					data[pctx.Era.ValidToColumn] = vt
				}
			}
		}

		entityKeys := d.identityKeys.Clone()
		if entityKeys == nil {
			entityKeys = models.Payload{}
		}
		for k, v := range groupLookupKeys {
			if _, ok := entityKeys[k]; !ok {
				entityKeys[k] = v
			}
		}
		for k, v := range d.targetPKPayload {
			if _, ok := entityKeys[k]; !ok {
				entityKeys[k] = v
			}
		}

		op := models.PlanOp{
			PlanOpSeq:    seq,
			Operation:    operation,
			IsNewEntity:  d.isNewEntity,
			EntityKeys:   entityKeys,
			IdentityKeys: d.identityKeys,
			LookupKeys:   groupLookupKeys,
		}
		if operation == models.ActionDelete {
			op.OldValidFrom = d.targetValidFrom
			op.OldValidUntil = d.targetValidUntil
			op.OldValidRange = oldRange
		} else {
			op.RowIDs = d.rowIDs
			op.UpdateEffect = effect
			op.CausalID = d.causalID
			op.STRelation = d.stRelation
			op.BARelation = baRelation
			op.OldValidFrom = d.targetValidFrom
			op.OldValidUntil = d.targetValidUntil
			op.NewValidFrom = d.finalValidFrom
			op.NewValidUntil = d.finalValidUntil
			op.OldValidRange = oldRange
			op.NewValidRange = newRange
			op.Data = data
			op.GroupingKey = d.groupingKey
		}
		plan = append(plan, op)
	}

	return plan
}

// buildGroupLookupKeys assembles the lookup column values reported on every
// plan row of the entity. Source values win; existing entities fall back to
// target values for NULL source columns.
func buildGroupLookupKeys(group *entityGroup, pctx *Context) models.Payload {
	if len(pctx.AllLookupCols) == 0 {
		return models.Payload{}
	}

	var firstTR *models.TargetRow
	if len(group.targetRows) > 0 {
		firstTR = &group.targetRows[0]
	}

	if len(group.sourceRows) == 0 {
		if firstTR == nil {
			return nil
		}
		lk := models.Payload{}
		for _, col := range pctx.AllLookupCols {
			v, ok := firstTR.LookupKeys[col]
			if !ok || v == nil {
				v = firstTR.IdentityKeys[col]
			}
			lk[col] = v
		}
		return lk
	}

	sr := &group.sourceRows[0].Source
	lk := models.Payload{}
	for _, col := range pctx.AllLookupCols {
		v, ok := sr.IdentityKeys[col]
		if !ok || v == nil {
			if lv, lok := sr.LookupKeys[col]; lok && lv != nil {
				v = lv
			} else if dv, dok := sr.DataPayload[col]; dok && dv != nil {
				v = dv
			}
		}
		if v == nil && !group.isNewEntity && firstTR != nil {
			if tv, tok := firstTR.LookupKeys[col]; tok && tv != nil {
				v = tv
			} else if tv, tok := firstTR.IdentityKeys[col]; tok && tv != nil {
				v = tv
			}
		}
		lk[col] = v
	}
	return lk
}

// assignUpdateRanks orders diff rows sharing a target row. Rank 1 keeps the
// target row as an UPDATE; later ranks split off as INSERTs. Preference goes
// to the segment starting where the target starts, then to the one keeping
// the target's payload.
func assignUpdateRanks(diffs []diffRow, numeric bool) map[int]int {
	byTarget := map[string][]int{}
	for i := range diffs {
		if diffs[i].hasTarget && diffs[i].hasFinal {
			byTarget[diffs[i].targetValidFrom] = append(byTarget[diffs[i].targetValidFrom], i)
		}
	}

	ranks := map[int]int{}
	for _, idxs := range byTarget {
		sorted := append([]int(nil), idxs...)
		sort.Slice(sorted, func(a, b int) bool {
			da, db := &diffs[sorted[a]], &diffs[sorted[b]]
			aStarts := da.finalValidFrom == da.targetValidFrom
			bStarts := db.finalValidFrom == db.targetValidFrom
			if aStarts != bStarts {
				return aStarts
			}
			aSame := payload.EqualIgnoringNulls(da.finalPayload, da.targetPayload)
			bSame := payload.EqualIgnoringNulls(db.finalPayload, db.targetPayload)
			if aSame != bSame {
				return aSame
			}
			if c := interval.Compare(da.finalValidFrom, db.finalValidFrom, numeric); c != 0 {
				return c < 0
			}
			return interval.Compare(da.finalValidUntil, db.finalValidUntil, numeric) < 0
		})
		for rank, idx := range sorted {
			ranks[idx] = rank + 1
		}
	}
	return ranks
}

func classifySingleDiff(d *diffRow, updateRank int, numeric bool) (models.PlanAction, models.UpdateEffect) {
	switch {
	case !d.hasTarget && d.hasFinal:
		return models.ActionInsert, ""
	case d.hasTarget && !d.hasFinal:
		return models.ActionDelete, ""
	case !d.hasTarget && !d.hasFinal:
		return models.ActionError, ""
	}

	// Ranges and payloads (data plus ephemeral) both unchanged is a no-op.
	finalMerged := payload.Overlay(d.finalPayload, d.ephemeralPayload, false)
	targetMerged := payload.Overlay(d.targetPayload, d.targetEphemeral, false)
	identical := payload.EqualIgnoringNulls(finalMerged, targetMerged)

	if d.finalValidFrom == d.targetValidFrom && d.finalValidUntil == d.targetValidUntil && identical {
		return models.ActionSkipIdentical, ""
	}

	if updateRank > 1 {
		return models.ActionInsert, ""
	}
	effect := computeUpdateEffect(d.targetValidFrom, d.targetValidUntil, d.finalValidFrom, d.finalValidUntil, numeric)
	return models.ActionUpdate, effect
}

func computeUpdateEffect(oldFrom, oldUntil, newFrom, newUntil string, numeric bool) models.UpdateEffect {
	cmpFrom := interval.Compare(newFrom, oldFrom, numeric)
	cmpUntil := interval.Compare(newUntil, oldUntil, numeric)
	switch {
	case cmpFrom == 0 && cmpUntil == 0:
		return models.EffectNone
	case cmpFrom >= 0 && cmpUntil <= 0:
		return models.EffectShrink
	case cmpFrom <= 0 && cmpUntil >= 0:
		return models.EffectGrow
	}
	return models.EffectMove
}
