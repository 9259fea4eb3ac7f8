// Package target reads the current timeline of a temporal table and applies
// planned DML against it.
package target

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/tracing"
)

// TableConfig describes one temporal target table.
type TableConfig struct {
	Table string // schema-qualified identifier
	Era   models.Era

	// Column presence in the target relation.
	HasRangeColumn bool
	HasValidFrom   bool
	HasValidUntil  bool

	PKColumns        []string
	IdentityColumns  []string
	LookupColumns    []string
	DataColumns      []string
	EphemeralColumns []string
}

// TimelineFilter restricts the timeline read to entities referenced by the
// source batch. A nil filter reads the whole table.
type TimelineFilter struct {
	SourceTable string
	KeySets     [][]string
}

// Repository handles target table access
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

type targetRecord struct {
	ValidFrom  string                         `db:"valid_from"`
	ValidUntil string                         `db:"valid_until"`
	Payload    database.JSONB[models.Payload] `db:"payload"`
}

// ReadTimeline loads the target rows ordered by entity and period start.
func (r *Repository) ReadTimeline(ctx context.Context, cfg TableConfig, filter *TimelineFilter) ([]models.TargetRow, error) {
	ctx, span := tracing.StartSpan(ctx, "target.Repository.ReadTimeline")
	defer span.End()

	fromExpr, untilExpr, err := temporalExprs(cfg)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT (%s)::text AS valid_from, (%s)::text AS valid_until, row_to_json(t) AS payload FROM %s AS t",
		fromExpr, untilExpr, cfg.Table,
	)
	if clause := filterClause(cfg, filter); clause != "" {
		query += " WHERE " + clause
	}
	query += fmt.Sprintf(" ORDER BY (%s)", fromExpr)

	var records []targetRecord
	if err := r.db.SelectContext(ctx, &records, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"target_table": cfg.Table}).Error("Failed to read target timeline")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to read target timeline: %v", err)
	}

	rows := make([]models.TargetRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, splitTargetRow(rec, cfg))
	}
	return rows, nil
}

func temporalExprs(cfg TableConfig) (fromExpr, untilExpr string, err error) {
	switch {
	case cfg.HasRangeColumn:
		rc := "t." + quoteIdent(cfg.Era.RangeColumn)
		return "lower(" + rc + ")", "upper(" + rc + ")", nil
	case cfg.HasValidFrom && cfg.HasValidUntil:
		return "t." + quoteIdent(cfg.Era.ValidFromColumn), "t." + quoteIdent(cfg.Era.ValidUntilColumn), nil
	default:
		return "", "", httperror.NewHTTPErrorf(http.StatusBadRequest,
			"target table %s has no usable temporal columns", cfg.Table)
	}
}

// filterClause restricts the read to entities the source batch references,
// matching on any key set whose columns all exist in the source.
func filterClause(cfg TableConfig, filter *TimelineFilter) string {
	if filter == nil || len(filter.KeySets) == 0 {
		return ""
	}
	var parts []string
	for _, keySet := range filter.KeySets {
		if len(keySet) == 0 {
			continue
		}
		var tCols, sCols, notNull []string
		for _, col := range keySet {
			tCols = append(tCols, "t."+quoteIdent(col))
			sCols = append(sCols, "s."+quoteIdent(col))
			notNull = append(notNull, "s."+quoteIdent(col)+" IS NOT NULL")
		}
		parts = append(parts, fmt.Sprintf("(%s) IN (SELECT %s FROM %s AS s WHERE %s)",
			strings.Join(tCols, ", "), strings.Join(sCols, ", "),
			filter.SourceTable, strings.Join(notNull, " AND ")))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " OR ")
}

func splitTargetRow(rec targetRecord, cfg TableConfig) models.TargetRow {
	full := rec.Payload.GetValue()

	pick := func(cols []string) models.Payload {
		out := models.Payload{}
		for _, col := range cols {
			if v, ok := full[col]; ok {
				out[col] = v
			}
		}
		return out
	}

	return models.TargetRow{
		ValidFrom:        rec.ValidFrom,
		ValidUntil:       rec.ValidUntil,
		IdentityKeys:     pick(cfg.IdentityColumns),
		LookupKeys:       pick(cfg.LookupColumns),
		DataPayload:      pick(cfg.DataColumns),
		EphemeralPayload: pick(cfg.EphemeralColumns),
		PKPayload:        pick(cfg.PKColumns),
	}
}

// Insert applies an INSERT plan operation. When returningIdentity is set the
// generated identity column values are returned, for propagation to the rest
// of the entity's operations.
func (r *Repository) Insert(ctx context.Context, cfg TableConfig, op models.PlanOp, returningIdentity bool) (models.Payload, error) {
	ctx, span := tracing.StartSpan(ctx, "target.Repository.Insert")
	defer span.End()

	ctx, tx, err := database.GetTx(ctx, r.logger, r.db, nil)
	if err != nil {
		return nil, err
	}

	values := insertValues(cfg, op)
	cols := sortedKeys(values)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(cfg.Table)
	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		args[i] = values[col]
	}
	ib.Cols(quoted...)
	ib.Values(args...)

	if returningIdentity && len(cfg.IdentityColumns) > 0 {
		returning := make([]string, len(cfg.IdentityColumns))
		for i, col := range cfg.IdentityColumns {
			returning[i] = quoteIdent(col)
		}
		ib.Returning(returning...)

		query, qargs := ib.Build()
		generated := map[string]any{}
		if err := tx.QueryRowxContext(ctx, query, qargs...).MapScan(generated); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"target_table": cfg.Table, "plan_op_seq": op.PlanOpSeq}).Error("Failed to insert target row")
			return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert target row: %v", err)
		}
		return models.Payload(generated), nil
	}

	query, qargs := ib.Build()
	if _, err := tx.ExecContext(ctx, query, qargs...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"target_table": cfg.Table, "plan_op_seq": op.PlanOpSeq}).Error("Failed to insert target row")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert target row: %v", err)
	}
	return nil, nil
}

// Update applies an UPDATE plan operation, rewriting the period and data of
// the row identified by the entity keys and the old period start.
func (r *Repository) Update(ctx context.Context, cfg TableConfig, op models.PlanOp) error {
	ctx, span := tracing.StartSpan(ctx, "target.Repository.Update")
	defer span.End()

	ctx, tx, err := database.GetTx(ctx, r.logger, r.db, nil)
	if err != nil {
		return err
	}

	values := insertValues(cfg, op)
	cols := sortedKeys(values)

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(cfg.Table)
	assignments := make([]string, 0, len(cols))
	for _, col := range cols {
		assignments = append(assignments, ub.Assign(quoteIdent(col), values[col]))
	}
	ub.Set(assignments...)
	ub.Where(rowPredicates(ub, cfg, op)...)

	query, args := ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"target_table": cfg.Table, "plan_op_seq": op.PlanOpSeq}).Error("Failed to update target row")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to update target row: %v", err)
	}
	return nil
}

// Delete removes the row identified by the entity keys and the old period
// start.
func (r *Repository) Delete(ctx context.Context, cfg TableConfig, op models.PlanOp) error {
	ctx, span := tracing.StartSpan(ctx, "target.Repository.Delete")
	defer span.End()

	ctx, tx, err := database.GetTx(ctx, r.logger, r.db, nil)
	if err != nil {
		return err
	}

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(cfg.Table)
	db.Where(rowPredicates(db, cfg, op)...)

	query, args := db.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"target_table": cfg.Table, "plan_op_seq": op.PlanOpSeq}).Error("Failed to delete target row")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to delete target row: %v", err)
	}
	return nil
}

// insertValues merges the operation's data payload, its non-null entity keys,
// and the new period columns into one column/value map.
func insertValues(cfg TableConfig, op models.PlanOp) models.Payload {
	values := op.Data.Clone()
	if values == nil {
		values = models.Payload{}
	}
	for col, v := range op.EntityKeys {
		if v != nil {
			values[col] = v
		}
	}
	if cfg.HasValidFrom {
		values[cfg.Era.ValidFromColumn] = op.NewValidFrom
	}
	if cfg.HasValidUntil {
		values[cfg.Era.ValidUntilColumn] = op.NewValidUntil
	}
	if cfg.HasRangeColumn && !cfg.HasValidFrom {
		values[cfg.Era.RangeColumn] = op.NewValidRange
	}
	return values
}

type condBuilder interface {
	Equal(field string, value any) string
	IsNull(field string) string
}

// rowPredicates identifies one existing timeline row: primary key values plus
// the old period start.
func rowPredicates(cond condBuilder, cfg TableConfig, op models.PlanOp) []string {
	keyCols := cfg.PKColumns
	if len(keyCols) == 0 {
		keyCols = cfg.IdentityColumns
	}

	var preds []string
	for _, col := range keyCols {
		v, ok := op.EntityKeys[col]
		if !ok {
			continue
		}
		if v == nil {
			preds = append(preds, cond.IsNull(quoteIdent(col)))
		} else {
			preds = append(preds, cond.Equal(quoteIdent(col), v))
		}
	}

	if cfg.HasValidFrom {
		preds = append(preds, cond.Equal(quoteIdent(cfg.Era.ValidFromColumn), op.OldValidFrom))
	} else if cfg.HasRangeColumn {
		preds = append(preds, cond.Equal(fmt.Sprintf("lower(%s)", quoteIdent(cfg.Era.RangeColumn)), op.OldValidFrom))
	}
	return preds
}

func sortedKeys(p models.Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
