// Package source reads the source batch and writes per-row results back.
// Rows are read in a single pass with row_to_json and split into column
// categories in memory.
package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/tracing"
)

// ReadConfig describes how to read one source table or view.
type ReadConfig struct {
	Table            string // schema-qualified identifier
	RowIDColumn      string
	FoundingIDColumn string
	Era              models.Era

	// Column presence in the source relation; temporal values fall back
	// range -> valid_from/valid_until -> valid_to.
	HasRangeColumn   bool
	HasValidFrom     bool
	HasValidUntil    bool
	HasValidTo       bool

	IdentityColumns  []string
	LookupColumns    []string
	DataColumns      []string
	EphemeralColumns []string
}

// Repository handles source table access
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

type sourceRecord struct {
	RowID      int64                          `db:"row_id"`
	CausalID   string                         `db:"causal_id"`
	ValidFrom  string                         `db:"valid_from"`
	ValidUntil string                         `db:"valid_until"`
	Payload    database.JSONB[models.Payload] `db:"payload"`
}

// ReadRows loads the full source batch ordered by row id.
func (r *Repository) ReadRows(ctx context.Context, cfg ReadConfig) ([]models.SourceRow, error) {
	ctx, span := tracing.StartSpan(ctx, "source.Repository.ReadRows")
	defer span.End()

	query, err := buildReadQuery(cfg)
	if err != nil {
		return nil, err
	}

	var records []sourceRecord
	if err := r.db.SelectContext(ctx, &records, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_table": cfg.Table}).Error("Failed to read source rows")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to read source rows: %v", err)
	}

	rows := make([]models.SourceRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, splitSourceRow(rec, cfg))
	}
	return rows, nil
}

func buildReadQuery(cfg ReadConfig) (string, error) {
	if !cfg.HasRangeColumn && !cfg.HasValidFrom {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest,
			"source table must have either %q or %q", cfg.Era.RangeColumn, cfg.Era.ValidFromColumn)
	}

	var intervalExpr string
	switch cfg.Era.RangeSubtypeCategory {
	case "D":
		intervalExpr = "'1 day'::interval"
	case "N":
		intervalExpr = "1"
	default:
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest,
			"unsupported range subtype category: %s", cfg.Era.RangeSubtypeCategory)
	}

	fromExpr := "s." + quoteIdent(cfg.Era.ValidFromColumn)
	if cfg.HasRangeColumn {
		fallback := "NULL"
		if cfg.HasValidFrom {
			fallback = "s." + quoteIdent(cfg.Era.ValidFromColumn)
		}
		fromExpr = fmt.Sprintf("COALESCE(lower(s.%s), %s)", quoteIdent(cfg.Era.RangeColumn), fallback)
	}

	var untilParts []string
	if cfg.HasRangeColumn {
		untilParts = append(untilParts, fmt.Sprintf("upper(s.%s)", quoteIdent(cfg.Era.RangeColumn)))
	}
	if cfg.HasValidUntil {
		untilParts = append(untilParts, "s."+quoteIdent(cfg.Era.ValidUntilColumn))
	}
	if cfg.HasValidTo && cfg.Era.ValidToColumn != "" {
		untilParts = append(untilParts, fmt.Sprintf("(s.%s + %s)", quoteIdent(cfg.Era.ValidToColumn), intervalExpr))
	}
	if len(untilParts) == 0 {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest,
			"source table must have one of %q, %q, or %q for the period end",
			cfg.Era.RangeColumn, cfg.Era.ValidUntilColumn, cfg.Era.ValidToColumn)
	}
	untilExpr := untilParts[0]
	if len(untilParts) > 1 {
		untilExpr = "COALESCE(" + strings.Join(untilParts, ", ") + ")"
	}

	causalExpr := fmt.Sprintf("s.%s::text", quoteIdent(cfg.RowIDColumn))
	if cfg.FoundingIDColumn != "" {
		causalExpr = fmt.Sprintf("COALESCE(s.%s::text, s.%s::text)",
			quoteIdent(cfg.FoundingIDColumn), quoteIdent(cfg.RowIDColumn))
	}

	return fmt.Sprintf(
		"SELECT s.%s::bigint AS row_id, (%s) AS causal_id, (%s)::text AS valid_from, (%s)::text AS valid_until, row_to_json(s) AS payload FROM %s AS s ORDER BY s.%s",
		quoteIdent(cfg.RowIDColumn), causalExpr, fromExpr, untilExpr, cfg.Table, quoteIdent(cfg.RowIDColumn),
	), nil
}

func splitSourceRow(rec sourceRecord, cfg ReadConfig) models.SourceRow {
	full := rec.Payload.GetValue()

	identity := models.Payload{}
	stablePK := models.Payload{}
	for _, col := range cfg.IdentityColumns {
		if v, ok := full[col]; ok {
			identity[col] = v
			stablePK[col] = v
		} else {
			stablePK[col] = nil
		}
	}

	lookup := models.Payload{}
	for _, col := range cfg.LookupColumns {
		if v, ok := full[col]; ok {
			lookup[col] = v
		}
	}

	data := models.Payload{}
	for _, col := range cfg.DataColumns {
		if v, ok := full[col]; ok {
			data[col] = v
		}
	}

	ephemeral := models.Payload{}
	for _, col := range cfg.EphemeralColumns {
		if v, ok := full[col]; ok {
			ephemeral[col] = v
		}
	}

	isIdentifiable := len(cfg.IdentityColumns) == 0
	for _, col := range cfg.IdentityColumns {
		if v, ok := full[col]; ok && v != nil {
			isIdentifiable = true
			break
		}
	}

	lookupColsAreNull := true
	for _, col := range cfg.LookupColumns {
		if v, ok := full[col]; ok && v != nil {
			lookupColsAreNull = false
			break
		}
	}

	return models.SourceRow{
		RowID:             rec.RowID,
		CausalID:          rec.CausalID,
		ValidFrom:         rec.ValidFrom,
		ValidUntil:        rec.ValidUntil,
		IdentityKeys:      identity,
		LookupKeys:        lookup,
		DataPayload:       data,
		EphemeralPayload:  ephemeral,
		StablePKPayload:   stablePK,
		IsIdentifiable:    isIdentifiable,
		LookupColsAreNull: lookupColsAreNull,
	}
}

// BackfillIdentity writes generated identity values back into the source rows
// that founded the entity.
func (r *Repository) BackfillIdentity(ctx context.Context, cfg ReadConfig, rowIDs []int64, identityKeys models.Payload) error {
	ctx, span := tracing.StartSpan(ctx, "source.Repository.BackfillIdentity")
	defer span.End()

	if len(rowIDs) == 0 || len(identityKeys) == 0 {
		return nil
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(cfg.Table)
	var assignments []string
	for _, col := range cfg.IdentityColumns {
		if v, ok := identityKeys[col]; ok && v != nil {
			assignments = append(assignments, ub.Assign(quoteIdent(col), v))
		}
	}
	if len(assignments) == 0 {
		return nil
	}
	ub.Set(assignments...)
	ub.Where(ub.In(quoteIdent(cfg.RowIDColumn), toAnySlice(rowIDs)...))

	query, args := ub.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_table": cfg.Table, "row_ids": rowIDs}).Error("Failed to backfill source identity")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to backfill source identity: %v", err)
	}
	return nil
}

// WriteFeedback records the merge outcome on each source row.
func (r *Repository) WriteFeedback(ctx context.Context, cfg ReadConfig, statusColumn, errorColumn string, feedback []models.Feedback) error {
	ctx, span := tracing.StartSpan(ctx, "source.Repository.WriteFeedback")
	defer span.End()

	for _, fb := range feedback {
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(cfg.Table)
		assignments := []string{ub.Assign(quoteIdent(statusColumn), string(fb.Status))}
		if errorColumn != "" {
			var msg any
			if fb.Status == models.StatusError {
				msg = fb.Message
			}
			assignments = append(assignments, ub.Assign(quoteIdent(errorColumn), msg))
		}
		ub.Set(assignments...)
		ub.Where(ub.Equal(quoteIdent(cfg.RowIDColumn), fb.RowID))

		query, args := ub.Build()
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_table": cfg.Table, "row_id": fb.RowID}).Error("Failed to write source feedback")
			return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to write source feedback: %v", err)
		}
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func toAnySlice(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
