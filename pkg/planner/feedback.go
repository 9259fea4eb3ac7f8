package planner

import (
	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
)

const filteredInfo = "Source row was correctly filtered by the mode's logic and did not result in a DML operation."

// makeFeedbackPlanOp builds the plan row for a source row that terminated
// before planning: an error, an eclipsed row, or a row filtered by the mode.
func makeFeedbackPlanOp(sr *models.MatchedSourceRow, fb *models.EarlyFeedback, pctx *Context) models.PlanOp {
	var feedback models.Payload
	switch fb.Action {
	case models.ActionSkipNoTarget, models.ActionSkipFiltered:
		feedback = models.Payload{"info": filteredInfo}
	default:
		feedback = models.Payload{"error": fb.Message}
	}

	// Filtered and errored rows carry no temporal bounds in their plan rows.
	emitTemporal := fb.Action != models.ActionSkipNoTarget &&
		fb.Action != models.ActionSkipFiltered &&
		fb.Action != models.ActionError

	groupingKey := sr.GroupingKey
	if sr.IsNewEntity && len(sr.Source.LookupKeys) == 0 && len(pctx.AllLookupCols) == 0 {
		groupingKey = "new_entity__" + sr.Source.CausalID
	}

	identityKeys := sr.Source.IdentityKeys.Clone()
	if identityKeys == nil {
		identityKeys = models.Payload{}
	}
	for k, v := range sr.DiscoveredIdentity {
		if existing, ok := identityKeys[k]; !ok || existing == nil {
			identityKeys[k] = v
		}
	}

	entityKeys := identityKeys.Clone()
	for k, v := range sr.Source.LookupKeys {
		if _, ok := entityKeys[k]; !ok {
			entityKeys[k] = v
		}
	}

	op := models.PlanOp{
		RowIDs:       []int64{sr.Source.RowID},
		Operation:    fb.Action,
		CausalID:     sr.Source.CausalID,
		IsNewEntity:  sr.IsNewEntity,
		EntityKeys:   entityKeys,
		IdentityKeys: identityKeys,
		LookupKeys:   sr.Source.LookupKeys,
		Feedback:     feedback,
		GroupingKey:  groupingKey,
	}
	if emitTemporal {
		op.NewValidFrom = sr.Source.ValidFrom
		op.NewValidUntil = sr.Source.ValidUntil
		op.NewValidRange = interval.FormatRange(sr.Source.ValidFrom, sr.Source.ValidUntil)
	}
	return op
}
