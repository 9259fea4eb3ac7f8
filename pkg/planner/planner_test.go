package planner

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func dateEra() models.Era {
	return models.Era{
		TableSchema:          "public",
		TableName:            "prices",
		Name:                 "valid",
		RangeColumn:          "validity",
		ValidFromColumn:      "valid_from",
		ValidUntilColumn:     "valid_until",
		RangeType:            "daterange",
		MultirangeType:       "datemultirange",
		RangeSubtype:         "date",
		RangeSubtypeCategory: "D",
	}
}

func testContext(mode models.MergeMode, deleteMode models.DeleteMode) *Context {
	return &Context{
		Mode:            mode,
		DeleteMode:      deleteMode,
		Era:             dateEra(),
		IdentityColumns: []string{"id"},
		Strategy:        models.StrategyIdentityKeyOnly,
	}
}

func opsByAction(plan []models.PlanOp, action models.PlanAction) []models.PlanOp {
	var out []models.PlanOp
	for _, op := range plan {
		if op.Operation == action {
			out = append(out, op)
		}
	}
	return out
}

func TestPlanEntityPatchSplitsCoveredPortion(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.MergeEntityPatch, models.DeleteNone)

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-07-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		DataPayload:    models.Payload{"rate": float64(45)},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{{
		ValidFrom:    "2024-01-01",
		ValidUntil:   "2026-01-01",
		IdentityKeys: models.Payload{"id": float64(7)},
		DataPayload:  models.Payload{"rate": float64(40)},
	}}

	plan := p.Plan(context.Background(), pctx, src, tgt)
	require.Len(t, plan, 3)

	updates := opsByAction(plan, models.ActionUpdate)
	require.Len(t, updates, 1)
	up := updates[0]
	assert.Equal(t, models.EffectShrink, up.UpdateEffect)
	assert.Equal(t, "2024-01-01", up.NewValidFrom)
	assert.Equal(t, "2024-07-01", up.NewValidUntil)
	assert.Equal(t, "2024-01-01", up.OldValidFrom)
	assert.Equal(t, "2026-01-01", up.OldValidUntil)
	assert.Equal(t, []int64{1}, up.RowIDs)
	assert.Equal(t, float64(40), up.Data["rate"])
	assert.Equal(t, interval.During, up.STRelation)
	assert.Equal(t, interval.StartedBy, up.BARelation)

	inserts := opsByAction(plan, models.ActionInsert)
	require.Len(t, inserts, 2)
	assert.Equal(t, "2024-07-01", inserts[0].NewValidFrom)
	assert.Equal(t, "2025-01-01", inserts[0].NewValidUntil)
	assert.Equal(t, float64(45), inserts[0].Data["rate"])
	assert.Equal(t, "2025-01-01", inserts[1].NewValidFrom)
	assert.Equal(t, "2026-01-01", inserts[1].NewValidUntil)
	assert.Equal(t, float64(40), inserts[1].Data["rate"], "the uncovered tail keeps the target value")

	// The shrink runs before both inserts.
	assert.Equal(t, 1, up.StatementSeq)
	assert.Equal(t, 2, inserts[0].StatementSeq)
	assert.Equal(t, 2, inserts[1].StatementSeq)

	for _, op := range plan {
		assert.Equal(t, models.Payload{"id": float64(7)}, op.EntityKeys)
	}
}

func TestPlanIdenticalBatchIsIdempotent(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.MergeEntityPatch, models.DeleteNone)

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2026-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		DataPayload:    models.Payload{"rate": float64(40)},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{{
		ValidFrom:    "2024-01-01",
		ValidUntil:   "2026-01-01",
		IdentityKeys: models.Payload{"id": float64(7)},
		DataPayload:  models.Payload{"rate": float64(40)},
	}}

	plan := p.Plan(context.Background(), pctx, src, tgt)
	require.Len(t, plan, 1)
	assert.Equal(t, models.ActionSkipIdentical, plan[0].Operation)
	assert.Equal(t, []int64{1}, plan[0].RowIDs)
	for _, op := range plan {
		assert.False(t, op.Operation.IsDML(), "an identical batch produces no DML")
	}
}

func TestPlanCoalescesAdjacentIdenticalRows(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.InsertNewEntities, models.DeleteNone)

	row := func(id int64, from, until string) models.SourceRow {
		return models.SourceRow{
			RowID:          id,
			CausalID:       "1",
			ValidFrom:      from,
			ValidUntil:     until,
			IdentityKeys:   models.Payload{"id": float64(100)},
			DataPayload:    models.Payload{"rate": float64(10)},
			IsIdentifiable: true,
		}
	}
	src := []models.SourceRow{
		row(1, "2024-01-01", "2024-02-01"),
		row(2, "2024-02-01", "2024-03-01"),
		row(3, "2024-03-01", "2024-04-01"),
	}

	plan := p.Plan(context.Background(), pctx, src, nil)
	require.Len(t, plan, 1)
	assert.Equal(t, models.ActionInsert, plan[0].Operation)
	assert.Equal(t, "2024-01-01", plan[0].NewValidFrom)
	assert.Equal(t, "2024-04-01", plan[0].NewValidUntil)
	assert.Equal(t, []int64{1, 2, 3}, plan[0].RowIDs)
	assert.True(t, plan[0].IsNewEntity)
}

func TestPlanPatchPreservesNullsReplaceOverwrites(t *testing.T) {
	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		DataPayload:    models.Payload{"a": float64(2), "b": nil},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{{
		ValidFrom:    "2024-01-01",
		ValidUntil:   "2025-01-01",
		IdentityKeys: models.Payload{"id": float64(7)},
		DataPayload:  models.Payload{"a": float64(1), "b": "x"},
	}}

	p := New(testLogger())

	patchPlan := p.Plan(context.Background(), testContext(models.MergeEntityPatch, models.DeleteNone), src, tgt)
	require.Len(t, patchPlan, 1)
	assert.Equal(t, models.ActionUpdate, patchPlan[0].Operation)
	assert.Equal(t, models.EffectNone, patchPlan[0].UpdateEffect)
	assert.Equal(t, float64(2), patchPlan[0].Data["a"])
	assert.Equal(t, "x", patchPlan[0].Data["b"], "patch keeps the target value under a NULL")

	replacePlan := p.Plan(context.Background(), testContext(models.MergeEntityReplace, models.DeleteNone), src, tgt)
	require.Len(t, replacePlan, 1)
	assert.Equal(t, models.ActionUpdate, replacePlan[0].Operation)
	assert.Equal(t, float64(2), replacePlan[0].Data["a"])
	assert.Nil(t, replacePlan[0].Data["b"], "replace writes the NULL through")
}

func TestPlanDeleteForPortionOfSplitsTarget(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.DeleteForPortionOf, models.DeleteNone)

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-07-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{{
		ValidFrom:    "2024-01-01",
		ValidUntil:   "2026-01-01",
		IdentityKeys: models.Payload{"id": float64(7)},
		DataPayload:  models.Payload{"rate": float64(40)},
	}}

	plan := p.Plan(context.Background(), pctx, src, tgt)

	updates := opsByAction(plan, models.ActionUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, models.EffectShrink, updates[0].UpdateEffect)
	assert.Equal(t, "2024-07-01", updates[0].NewValidUntil)

	inserts := opsByAction(plan, models.ActionInsert)
	require.Len(t, inserts, 1)
	assert.Equal(t, "2025-01-01", inserts[0].NewValidFrom)
	assert.Equal(t, "2026-01-01", inserts[0].NewValidUntil)
	assert.Equal(t, float64(40), inserts[0].Data["rate"])
}

func TestPlanDeleteForPortionOfWholeRow(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.DeleteForPortionOf, models.DeleteNone)

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2026-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{{
		ValidFrom:    "2024-01-01",
		ValidUntil:   "2026-01-01",
		IdentityKeys: models.Payload{"id": float64(7)},
		DataPayload:  models.Payload{"rate": float64(40)},
	}}

	plan := p.Plan(context.Background(), pctx, src, tgt)
	deletes := opsByAction(plan, models.ActionDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, "2024-01-01", deletes[0].OldValidFrom)
	assert.Equal(t, "2026-01-01", deletes[0].OldValidUntil)
	assert.Empty(t, opsByAction(plan, models.ActionInsert))
	assert.Empty(t, opsByAction(plan, models.ActionUpdate))
}

func TestPlanDeleteMissingTimeline(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.MergeEntityReplace, models.DeleteMissingTimeline)

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		DataPayload:    models.Payload{"rate": float64(40)},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{
		{
			ValidFrom:    "2024-01-01",
			ValidUntil:   "2025-01-01",
			IdentityKeys: models.Payload{"id": float64(7)},
			DataPayload:  models.Payload{"rate": float64(40)},
		},
		{
			ValidFrom:    "2025-01-01",
			ValidUntil:   "2026-01-01",
			IdentityKeys: models.Payload{"id": float64(7)},
			DataPayload:  models.Payload{"rate": float64(50)},
		},
	}

	plan := p.Plan(context.Background(), pctx, src, tgt)

	deletes := opsByAction(plan, models.ActionDelete)
	require.Len(t, deletes, 1, "the slice not covered by the source is removed")
	assert.Equal(t, "2025-01-01", deletes[0].OldValidFrom)

	skips := opsByAction(plan, models.ActionSkipIdentical)
	require.Len(t, skips, 1, "the covered identical slice is untouched")
}

func TestPlanDeleteMissingEntitiesRemovesOrphans(t *testing.T) {
	p := New(testLogger())

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		DataPayload:    models.Payload{"rate": float64(41)},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{
		{
			ValidFrom:    "2024-01-01",
			ValidUntil:   "2025-01-01",
			IdentityKeys: models.Payload{"id": float64(7)},
			DataPayload:  models.Payload{"rate": float64(40)},
		},
		{
			ValidFrom:    "2024-01-01",
			ValidUntil:   "2025-01-01",
			IdentityKeys: models.Payload{"id": float64(8)},
			DataPayload:  models.Payload{"rate": float64(99)},
		},
	}

	plan := p.Plan(context.Background(), testContext(models.MergeEntityUpsert, models.DeleteMissingTimelineAndEntities), src, tgt)
	deletes := opsByAction(plan, models.ActionDelete)
	require.Len(t, deletes, 1)
	assert.Equal(t, float64(8), deletes[0].EntityKeys["id"])

	// Without a delete mode the orphan entity is left alone.
	plan = p.Plan(context.Background(), testContext(models.MergeEntityUpsert, models.DeleteNone), src, tgt)
	assert.Empty(t, opsByAction(plan, models.ActionDelete))
}

func TestPlanInsertNewEntitiesFiltersExisting(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.InsertNewEntities, models.DeleteNone)

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(7)},
		DataPayload:    models.Payload{"rate": float64(45)},
		IsIdentifiable: true,
	}}
	tgt := []models.TargetRow{{
		ValidFrom:    "2020-01-01",
		ValidUntil:   "2026-01-01",
		IdentityKeys: models.Payload{"id": float64(7)},
		DataPayload:  models.Payload{"rate": float64(40)},
	}}

	plan := p.Plan(context.Background(), pctx, src, tgt)
	require.Len(t, plan, 1)
	op := plan[0]
	assert.Equal(t, models.ActionSkipFiltered, op.Operation)
	assert.Equal(t, []int64{1}, op.RowIDs)
	assert.NotEmpty(t, op.Feedback["info"])
	assert.Empty(t, op.NewValidFrom, "filtered rows carry no temporal bounds")
}

func TestPlanForPortionOfSkipsNewEntities(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.PatchForPortionOf, models.DeleteNone)

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(99)},
		DataPayload:    models.Payload{"rate": float64(45)},
		IsIdentifiable: true,
	}}

	plan := p.Plan(context.Background(), pctx, src, nil)
	require.Len(t, plan, 1)
	assert.Equal(t, models.ActionSkipNoTarget, plan[0].Operation)
	assert.NotEmpty(t, plan[0].Feedback["info"])
}

func TestPlanFoundingModeGroupsRows(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.InsertNewEntities, models.DeleteNone)
	pctx.FoundingIDColumn = "founding_id"

	src := []models.SourceRow{
		{
			RowID:             1,
			CausalID:          "g1",
			ValidFrom:         "2024-01-01",
			ValidUntil:        "2024-06-01",
			DataPayload:       models.Payload{"rate": float64(10)},
			LookupColsAreNull: true,
		},
		{
			RowID:             2,
			CausalID:          "g1",
			ValidFrom:         "2024-06-01",
			ValidUntil:        "2025-01-01",
			DataPayload:       models.Payload{"rate": float64(20)},
			LookupColsAreNull: true,
		},
	}

	plan := p.Plan(context.Background(), pctx, src, nil)
	inserts := opsByAction(plan, models.ActionInsert)
	require.Len(t, inserts, 2)
	assert.Equal(t, inserts[0].GroupingKey, inserts[1].GroupingKey, "both rows found the same entity")
	assert.Equal(t, "g1", inserts[0].CausalID)
	assert.Equal(t, "g1", inserts[1].CausalID)
	assert.True(t, inserts[0].IsNewEntity)
}

func TestPlanSyncsValidTo(t *testing.T) {
	p := New(testLogger())
	pctx := testContext(models.InsertNewEntities, models.DeleteNone)
	pctx.Era.ValidToColumn = "valid_to"

	src := []models.SourceRow{{
		RowID:          1,
		CausalID:       "1",
		ValidFrom:      "2024-01-01",
		ValidUntil:     "2025-01-01",
		IdentityKeys:   models.Payload{"id": float64(100)},
		DataPayload:    models.Payload{"rate": float64(10)},
		IsIdentifiable: true,
	}}

	plan := p.Plan(context.Background(), pctx, src, nil)
	require.Len(t, plan, 1)
	assert.Equal(t, "2024-12-31", plan[0].Data["valid_to"])
}

func TestPlanEclipsedRowSkips(t *testing.T) {
	p := New(testLogger())
	pctx := &Context{
		Mode:            models.MergeEntityUpsert,
		DeleteMode:      models.DeleteNone,
		Era:             dateEra(),
		IdentityColumns: []string{"id"},
		LookupKeySets:   [][]string{{"code"}},
		AllLookupCols:   []string{"code"},
		Strategy:        models.StrategyHybrid,
	}

	src := []models.SourceRow{
		{
			RowID:       1,
			CausalID:    "1",
			ValidFrom:   "2024-03-01",
			ValidUntil:  "2024-06-01",
			LookupKeys:  models.Payload{"code": "A1"},
			DataPayload: models.Payload{"rate": float64(1)},
		},
		{
			RowID:       2,
			CausalID:    "2",
			ValidFrom:   "2024-01-01",
			ValidUntil:  "2025-01-01",
			LookupKeys:  models.Payload{"code": "A1"},
			DataPayload: models.Payload{"rate": float64(2)},
		},
	}

	plan := p.Plan(context.Background(), pctx, src, nil)

	eclipsed := opsByAction(plan, models.ActionSkipEclipsed)
	require.Len(t, eclipsed, 1)
	assert.Equal(t, []int64{1}, eclipsed[0].RowIDs)
	assert.Equal(t, "2024-03-01", eclipsed[0].NewValidFrom, "eclipsed rows keep their bounds for diagnostics")

	inserts := opsByAction(plan, models.ActionInsert)
	require.Len(t, inserts, 1)
	assert.Equal(t, []int64{2}, inserts[0].RowIDs)
}

func TestComputeUpdateEffect(t *testing.T) {
	tests := []struct {
		name                                 string
		oldFrom, oldUntil, newFrom, newUntil string
		want                                 models.UpdateEffect
	}{
		{"unchanged", "2024-01-01", "2025-01-01", "2024-01-01", "2025-01-01", models.EffectNone},
		{"shrink", "2024-01-01", "2025-01-01", "2024-03-01", "2025-01-01", models.EffectShrink},
		{"grow", "2024-01-01", "2025-01-01", "2024-01-01", "2026-01-01", models.EffectGrow},
		{"move", "2024-01-01", "2025-01-01", "2024-06-01", "2025-06-01", models.EffectMove},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, computeUpdateEffect(tt.oldFrom, tt.oldUntil, tt.newFrom, tt.newUntil, false))
		})
	}
}
