package planner

import (
	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
)

// diffRow joins one coalesced segment with the target row it derives from.
// Target rows not matched by any segment appear with no final side and become
// DELETE candidates.
type diffRow struct {
	groupingKey  string
	isNewEntity  bool
	identityKeys models.Payload
	causalID     string
	rowIDs       []int64

	finalValidFrom  string
	finalValidUntil string
	finalPayload    models.Payload
	hasFinal        bool

	targetValidFrom  string
	targetValidUntil string
	targetPayload    models.Payload
	hasTarget        bool

	ephemeralPayload models.Payload
	targetEphemeral  models.Payload
	targetLookupKeys models.Payload
	targetPKPayload  models.Payload

	hasSourceCoverage bool
	stRelation        interval.Relation
}

func computeDiff(coalesced []coalescedSegment, targetRows []models.TargetRow) []diffRow {
	targetByFrom := make(map[string]*models.TargetRow, len(targetRows))
	for i := range targetRows {
		targetByFrom[targetRows[i].ValidFrom] = &targetRows[i]
	}

	matchedFroms := map[string]struct{}{}
	var diffs []diffRow

	// A target row split into several segments matches each of them here;
	// classification resolves the many-to-one via update rank.
	for i := range coalesced {
		cs := &coalesced[i]
		var tr *models.TargetRow
		if cs.ancestorValidFrom != "" {
			tr = targetByFrom[cs.ancestorValidFrom]
		}

		d := diffRow{
			groupingKey:       cs.groupingKey,
			isNewEntity:       cs.isNewEntity,
			identityKeys:      cs.identityKeys,
			causalID:          cs.causalID,
			rowIDs:            cs.rowIDs,
			finalValidFrom:    cs.validFrom,
			finalValidUntil:   cs.validUntil,
			finalPayload:      cs.dataPayload,
			hasFinal:          true,
			ephemeralPayload:  cs.ephemeralPayload,
			hasSourceCoverage: cs.hasSourceCoverage,
			stRelation:        cs.stRelation,
		}
		if tr != nil {
			matchedFroms[tr.ValidFrom] = struct{}{}
			d.targetValidFrom = tr.ValidFrom
			d.targetValidUntil = tr.ValidUntil
			d.targetPayload = tr.DataPayload
			d.hasTarget = true
			d.targetEphemeral = tr.EphemeralPayload
			d.targetLookupKeys = tr.LookupKeys
			d.targetPKPayload = tr.PKPayload
		}
		diffs = append(diffs, d)
	}

	groupingKey := ""
	if len(coalesced) > 0 {
		groupingKey = coalesced[0].groupingKey
	}
	for i := range targetRows {
		tr := &targetRows[i]
		if _, ok := matchedFroms[tr.ValidFrom]; ok {
			continue
		}
		diffs = append(diffs, diffRow{
			groupingKey:      groupingKey,
			identityKeys:     tr.IdentityKeys,
			targetValidFrom:  tr.ValidFrom,
			targetValidUntil: tr.ValidUntil,
			targetPayload:    tr.DataPayload,
			hasTarget:        true,
			targetEphemeral:  tr.EphemeralPayload,
			targetLookupKeys: tr.LookupKeys,
			targetPKPayload:  tr.PKPayload,
		})
	}

	return diffs
}
