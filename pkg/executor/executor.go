// Package executor applies a merge plan to the target table inside a single
// transaction and reports the per-row outcome.
package executor

import (
	"context"
	"net/http"
	"sort"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/sagadb/sage/internal/repositories/source"
	"github.com/sagadb/sage/internal/repositories/target"
	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/tracing"
)

// Options configures one execution run.
type Options struct {
	TargetConfig target.TableConfig
	SourceConfig source.ReadConfig

	// UpdateSourceIdentity writes generated identity values back onto the
	// source rows that founded each new entity.
	UpdateSourceIdentity bool

	// StatusColumn and ErrorColumn enable feedback write-back onto the
	// source table. Empty StatusColumn disables it.
	StatusColumn string
	ErrorColumn  string
}

// Counts summarizes the DML applied in one run.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
	Errored  int `json:"errored"`
}

// Executor applies plan operations in statement order.
type Executor struct {
	db      database.DB
	targets *target.Repository
	sources *source.Repository
	logger  ectologger.Logger
}

func New(db database.DB, targets *target.Repository, sources *source.Repository, logger ectologger.Logger) *Executor {
	return &Executor{db: db, targets: targets, sources: sources, logger: logger}
}

// Execute applies the plan's DML inside one transaction. Generated identity
// values from founding inserts are propagated to the remaining operations of
// the same entity before those run. Any database failure rolls back the whole
// run.
func (e *Executor) Execute(ctx context.Context, plan []models.PlanOp, opts Options) ([]models.Feedback, Counts, error) {
	ctx, span := tracing.StartSpan(ctx, "executor.Executor.Execute")
	defer span.End()

	ordered := make([]models.PlanOp, len(plan))
	copy(ordered, plan)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].StatementSeq != ordered[j].StatementSeq {
			return ordered[i].StatementSeq < ordered[j].StatementSeq
		}
		return ordered[i].PlanOpSeq < ordered[j].PlanOpSeq
	})

	var counts Counts
	txCtx, tx, err := database.GetTx(ctx, e.logger, e.db, nil)
	if err != nil {
		return nil, counts, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to begin merge transaction: %v", err)
	}
	// Rollback with the pre-transaction context so a commit failure or early
	// return actually closes the transaction.
	defer func() { _ = tx.Rollback(ctx) }()

	generated := map[string]models.Payload{}
	foundingRows := map[string][]int64{}

	for i := range ordered {
		op := &ordered[i]
		switch op.Operation {
		case models.ActionInsert:
			if op.IsNewEntity {
				e.fillGeneratedIdentity(op, generated)
			}
			needsIdentity := op.IsNewEntity && len(opts.TargetConfig.IdentityColumns) > 0 && !hasIdentity(op.EntityKeys, opts.TargetConfig.IdentityColumns)
			keys, err := e.targets.Insert(txCtx, opts.TargetConfig, *op, needsIdentity)
			if err != nil {
				return nil, counts, err
			}
			if needsIdentity && len(keys) > 0 {
				generated[op.GroupingKey] = keys
				if op.CausalID != "" {
					generated["causal_"+op.CausalID] = keys
				}
				foundingRows[op.CausalID] = append(foundingRows[op.CausalID], op.RowIDs...)
			}
			counts.Inserted++
		case models.ActionUpdate:
			if op.IsNewEntity {
				e.fillGeneratedIdentity(op, generated)
			}
			if err := e.targets.Update(txCtx, opts.TargetConfig, *op); err != nil {
				return nil, counts, err
			}
			counts.Updated++
		case models.ActionDelete:
			if err := e.targets.Delete(txCtx, opts.TargetConfig, *op); err != nil {
				return nil, counts, err
			}
			counts.Deleted++
		case models.ActionError:
			counts.Errored++
		default:
			counts.Skipped++
		}
	}

	if opts.UpdateSourceIdentity {
		for causalID, rowIDs := range foundingRows {
			keys := generated["causal_"+causalID]
			if err := e.sources.BackfillIdentity(txCtx, opts.SourceConfig, rowIDs, keys); err != nil {
				return nil, counts, err
			}
		}
	}

	feedback := BuildFeedback(ordered, generated)

	if opts.StatusColumn != "" {
		if err := e.sources.WriteFeedback(txCtx, opts.SourceConfig, opts.StatusColumn, opts.ErrorColumn, feedback); err != nil {
			return nil, counts, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, counts, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to commit merge transaction: %v", err)
	}
	return feedback, counts, nil
}

// fillGeneratedIdentity copies identity values captured from the entity's
// founding insert into a later operation for the same entity.
func (e *Executor) fillGeneratedIdentity(op *models.PlanOp, generated map[string]models.Payload) {
	keys, ok := generated[op.GroupingKey]
	if !ok && op.CausalID != "" {
		keys, ok = generated["causal_"+op.CausalID]
	}
	if !ok {
		return
	}
	if op.EntityKeys == nil {
		op.EntityKeys = models.Payload{}
	}
	for col, v := range keys {
		if cur, present := op.EntityKeys[col]; !present || cur == nil {
			op.EntityKeys[col] = v
		}
	}
	if op.IdentityKeys == nil {
		op.IdentityKeys = models.Payload{}
	}
	for col, v := range keys {
		if cur, present := op.IdentityKeys[col]; !present || cur == nil {
			op.IdentityKeys[col] = v
		}
	}
}

func hasIdentity(keys models.Payload, identityColumns []string) bool {
	for _, col := range identityColumns {
		if v, ok := keys[col]; !ok || v == nil {
			return false
		}
	}
	return true
}

// BuildFeedback derives one feedback row per source row id. A row touched by
// several operations reports its worst outcome: errors beat applied DML,
// which beats skips.
func BuildFeedback(plan []models.PlanOp, generated map[string]models.Payload) []models.Feedback {
	type ranked struct {
		fb   models.Feedback
		rank int
	}
	byRow := map[int64]ranked{}

	for _, op := range plan {
		status, rank := statusFor(op.Operation)
		if status == "" {
			continue
		}
		message := ""
		if status == models.StatusError {
			if m, ok := op.Feedback["error"].(string); ok {
				message = m
			}
		}
		entityKeys := op.EntityKeys.Clone()
		if entityKeys == nil {
			entityKeys = models.Payload{}
		}
		if keys, ok := generated["causal_"+op.CausalID]; ok {
			for col, v := range keys {
				if cur, present := entityKeys[col]; !present || cur == nil {
					entityKeys[col] = v
				}
			}
		}
		for _, rowID := range op.RowIDs {
			cur, seen := byRow[rowID]
			if seen && cur.rank >= rank {
				continue
			}
			byRow[rowID] = ranked{
				fb: models.Feedback{
					RowID:      rowID,
					EntityKeys: entityKeys,
					Status:     status,
					Message:    message,
				},
				rank: rank,
			}
		}
	}

	rowIDs := make([]int64, 0, len(byRow))
	for id := range byRow {
		rowIDs = append(rowIDs, id)
	}
	sort.Slice(rowIDs, func(i, j int) bool { return rowIDs[i] < rowIDs[j] })

	out := make([]models.Feedback, 0, len(rowIDs))
	for _, id := range rowIDs {
		out = append(out, byRow[id].fb)
	}
	return out
}

func statusFor(action models.PlanAction) (models.FeedbackStatus, int) {
	switch action {
	case models.ActionError:
		return models.StatusError, 3
	case models.ActionInsert, models.ActionUpdate, models.ActionDelete:
		return models.StatusApplied, 2
	case models.ActionSkipIdentical:
		return models.StatusSkippedIdentical, 1
	case models.ActionSkipNoTarget:
		return models.StatusSkippedNoTarget, 1
	case models.ActionSkipFiltered:
		return models.StatusSkippedFiltered, 1
	case models.ActionSkipEclipsed:
		return models.StatusSkippedEclipsed, 1
	default:
		return "", 0
	}
}
