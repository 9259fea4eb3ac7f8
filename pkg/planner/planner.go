// Package planner computes the merge plan for one batch of source rows
// against the loaded target timeline. Planning runs a sweep line per entity:
// atomic segmentation, payload resolution, coalescing, diff against the
// current slices, operation classification, and statement sequencing.
package planner

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/sagadb/sage/pkg/identity"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/tracing"
)

// Context carries the merge configuration and target metadata through
// planning.
type Context struct {
	Mode            models.MergeMode
	DeleteMode      models.DeleteMode
	Era             models.Era
	IdentityColumns []string
	AllLookupCols   []string
	// LookupKeySets are the natural key sets, each tried independently
	// during entity correlation.
	LookupKeySets    [][]string
	PKCols           []string
	Strategy         models.IdentityStrategy
	EphemeralColumns []string
	FoundingIDColumn string
	RowIDColumn      string
	// ExcludeIfNull lists columns whose NULL source values are dropped in
	// upsert and replace modes (NOT NULL columns and columns with defaults).
	ExcludeIfNull map[string]struct{}
}

// FoundingMode reports whether rows carry an explicit founding correlation
// column.
func (c *Context) FoundingMode() bool {
	return c.FoundingIDColumn != ""
}

func (c *Context) identityConfig() identity.Config {
	return identity.Config{
		IdentityColumns: c.IdentityColumns,
		LookupKeySets:   c.LookupKeySets,
		AllLookupCols:   c.AllLookupCols,
		Strategy:        c.Strategy,
		FoundingMode:    c.FoundingMode(),
		Numeric:         c.Era.IsNumeric(),
	}
}

// Planner produces merge plans.
type Planner struct {
	logger ectologger.Logger
}

// New creates a new Planner.
func New(logger ectologger.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan runs the sweep line over the source batch and target timeline and
// returns the ordered plan.
func (p *Planner) Plan(ctx context.Context, pctx *Context, sourceRows []models.SourceRow, targetRows []models.TargetRow) []models.PlanOp {
	ctx, span := tracing.StartSpan(ctx, "planner.Planner.Plan")
	defer span.End()

	resolver := identity.NewResolver(pctx.identityConfig(), p.logger)
	matched := resolver.Resolve(ctx, sourceRows, targetRows)

	groups := groupByEntity(matched, targetRows, pctx)

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var plan []models.PlanOp
	for _, key := range keys {
		group := groups[key]

		var active []*models.MatchedSourceRow
		for i := range group.sourceRows {
			sr := &group.sourceRows[i]
			switch {
			case sr.EarlyFeedback != nil:
				plan = append(plan, makeFeedbackPlanOp(sr, sr.EarlyFeedback, pctx))
			case sr.IsEclipsed:
				plan = append(plan, makeFeedbackPlanOp(sr, &models.EarlyFeedback{Action: models.ActionSkipEclipsed}, pctx))
			default:
				active = append(active, sr)
			}
		}

		filtered := filterByMode(active, pctx)
		kept := make(map[int64]struct{}, len(filtered))
		for _, sr := range filtered {
			kept[sr.Source.RowID] = struct{}{}
		}
		for _, sr := range active {
			if _, ok := kept[sr.Source.RowID]; ok {
				continue
			}
			// New entities filtered by a FOR_PORTION_OF mode have no target;
			// existing entities filtered by INSERT_NEW_ENTITIES were
			// deliberately excluded.
			action := models.ActionSkipFiltered
			if sr.IsNewEntity {
				action = models.ActionSkipNoTarget
			}
			plan = append(plan, makeFeedbackPlanOp(sr, &models.EarlyFeedback{Action: action}, pctx))
		}

		if len(filtered) == 0 && len(group.targetRows) == 0 {
			continue
		}

		segments := buildAtomicSegments(group, filtered, pctx)
		resolved := resolvePayloads(segments, filtered, group.targetRows, pctx)
		coalesced := coalesceSegments(resolved)
		diffs := computeDiff(coalesced, group.targetRows)
		plan = append(plan, classifyOperations(diffs, group, pctx)...)
	}

	sequenceStatements(plan, pctx)

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"mode":        string(pctx.Mode),
		"source_rows": len(sourceRows),
		"target_rows": len(targetRows),
		"plan_ops":    len(plan),
	}).Debug("Computed merge plan")

	return plan
}
