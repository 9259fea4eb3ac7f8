package planner

import (
	"sort"

	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/payload"
)

// sequenceStatements orders the plan for execution and assigns statement
// groups. DELETEs run first, then shrinking updates, then each MOVE alone
// (late ranges first, so shifting slices never transiently overlap), then
// growing updates, then INSERTs. Skips and errors sort after all DML.
func sequenceStatements(plan []models.PlanOp, pctx *Context) {
	numeric := pctx.Era.IsNumeric()

	opOrder := func(op *models.PlanOp) int {
		switch op.Operation {
		case models.ActionDelete:
			return 1
		case models.ActionUpdate:
			return 2
		case models.ActionInsert:
			return 3
		}
		return 4
	}

	sort.SliceStable(plan, func(a, b int) bool {
		pa, pb := &plan[a], &plan[b]

		aEmpty, bEmpty := pa.GroupingKey == "", pb.GroupingKey == ""
		if aEmpty != bEmpty {
			return bEmpty
		}
		if pa.GroupingKey != pb.GroupingKey {
			return pa.GroupingKey < pb.GroupingKey
		}

		aek, bek := payload.KeyString(pa.EntityKeys), payload.KeyString(pb.EntityKeys)
		if aek != bek {
			return aek < bek
		}

		if ao, bo := opOrder(pa), opOrder(pb); ao != bo {
			return ao < bo
		}

		aEff := boolToInt(pa.UpdateEffect != "")
		bEff := boolToInt(pb.UpdateEffect != "")
		if aEff != bEff {
			return aEff < bEff
		}

		aFrom := firstNonEmpty(pa.OldValidFrom, pa.NewValidFrom)
		bFrom := firstNonEmpty(pb.OldValidFrom, pb.NewValidFrom)
		aMove := pa.UpdateEffect == models.EffectMove
		bMove := pb.UpdateEffect == models.EffectMove
		if aMove && bMove {
			// MOVEs run latest range first.
			if c := interval.Compare(bFrom, aFrom, numeric); c != 0 {
				return c < 0
			}
		} else if c := interval.Compare(aFrom, bFrom, numeric); c != 0 {
			return c < 0
		}

		if c := interval.Compare(pa.NewValidFrom, pb.NewValidFrom, numeric); c != 0 {
			return c < 0
		}

		return firstRowID(pa) < firstRowID(pb)
	})

	for i := range plan {
		plan[i].PlanOpSeq = int64(i + 1)
	}

	// Statement categories in execution order. Each MOVE is its own
	// statement so the non-overlap constraint holds between statements.
	category := func(op *models.PlanOp) int {
		switch op.Operation {
		case models.ActionDelete:
			return 1
		case models.ActionUpdate:
			switch op.UpdateEffect {
			case models.EffectMove:
				return 3
			case models.EffectGrow:
				return 4
			}
			return 2
		case models.ActionInsert:
			return 5
		}
		return 0
	}

	present := map[int]struct{}{}
	for i := range plan {
		if plan[i].Operation.IsDML() {
			present[category(&plan[i])] = struct{}{}
		}
	}
	var categories []int
	for c := range present {
		categories = append(categories, c)
	}
	sort.Ints(categories)

	position := map[int]int{}
	for i, c := range categories {
		position[c] = i + 1
	}
	maxDMLSeq := len(categories)

	moveCount := 0
	for i := range plan {
		op := &plan[i]
		if !op.Operation.IsDML() {
			op.StatementSeq = maxDMLSeq + 1
			continue
		}
		cat := category(op)
		base := position[cat]
		switch {
		case cat == 3:
			moveCount++
			op.StatementSeq = base + moveCount - 1
		case cat > 3 && moveCount > 1:
			op.StatementSeq = base + moveCount - 1
		default:
			op.StatementSeq = base
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstRowID(op *models.PlanOp) int64 {
	if len(op.RowIDs) == 0 {
		return 0
	}
	return op.RowIDs[0]
}
