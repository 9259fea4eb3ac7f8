// Package era persists and loads era registrations: which columns make up
// the validity period of a target table and how their range subtype orders.
package era

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/tracing"
)

const table = "sage_era"

// Repository handles era registry persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

type eraRecord struct {
	TableSchema          string         `db:"table_schema"`
	TableName            string         `db:"table_name"`
	EraName              string         `db:"era_name"`
	RangeColumn          string         `db:"range_column"`
	ValidFromColumn      string         `db:"valid_from_column"`
	ValidUntilColumn     string         `db:"valid_until_column"`
	ValidToColumn        string         `db:"valid_to_column"`
	RangeType            string         `db:"range_type"`
	MultirangeType       string         `db:"multirange_type"`
	RangeSubtype         string         `db:"range_subtype"`
	RangeSubtypeCategory string         `db:"range_subtype_category"`
	EphemeralColumns     pq.StringArray `db:"ephemeral_columns"`
}

var columns = []string{
	"table_schema", "table_name", "era_name", "range_column",
	"valid_from_column", "valid_until_column", "valid_to_column",
	"range_type", "multirange_type", "range_subtype",
	"range_subtype_category", "ephemeral_columns",
}

// Get returns the registered era for (schema, table, eraName), or nil when no
// registration exists.
func (r *Repository) Get(ctx context.Context, tableSchema, tableName, eraName string) (*models.Era, error) {
	ctx, span := tracing.StartSpan(ctx, "era.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("table_schema", tableSchema),
		sb.Equal("table_name", tableName),
		sb.Equal("era_name", eraName),
	)

	query, args := sb.Build()
	var rec eraRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table_schema": tableSchema, "table_name": tableName, "era_name": eraName}).Error("Failed to load era registration")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to load era registration: %v", err)
	}

	era := rec.toModel()
	return &era, nil
}

// Register inserts or replaces the era registration for the table.
func (r *Repository) Register(ctx context.Context, era models.Era) error {
	ctx, span := tracing.StartSpan(ctx, "era.Repository.Register")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib = ib.InsertInto(table).Cols(columns...).Values(
		era.TableSchema, era.TableName, era.Name, era.RangeColumn,
		era.ValidFromColumn, era.ValidUntilColumn, era.ValidToColumn,
		era.RangeType, era.MultirangeType, era.RangeSubtype,
		era.RangeSubtypeCategory, pq.StringArray(era.EphemeralColumns),
	)
	ub := ib.OnConflict("table_schema", "table_name", "era_name")
	ub.Set(
		ub.Assign("range_column", database.Excluded("range_column")),
		ub.Assign("valid_from_column", database.Excluded("valid_from_column")),
		ub.Assign("valid_until_column", database.Excluded("valid_until_column")),
		ub.Assign("valid_to_column", database.Excluded("valid_to_column")),
		ub.Assign("range_type", database.Excluded("range_type")),
		ub.Assign("multirange_type", database.Excluded("multirange_type")),
		ub.Assign("range_subtype", database.Excluded("range_subtype")),
		ub.Assign("range_subtype_category", database.Excluded("range_subtype_category")),
		ub.Assign("ephemeral_columns", database.Excluded("ephemeral_columns")),
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table_schema": era.TableSchema, "table_name": era.TableName, "era_name": era.Name}).Error("Failed to register era")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to register era: %v", err)
	}
	return nil
}

// Unregister removes the era registration.
func (r *Repository) Unregister(ctx context.Context, tableSchema, tableName, eraName string) error {
	ctx, span := tracing.StartSpan(ctx, "era.Repository.Unregister")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(
		db.Equal("table_schema", tableSchema),
		db.Equal("table_name", tableName),
		db.Equal("era_name", eraName),
	)

	query, args := db.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table_schema": tableSchema, "table_name": tableName, "era_name": eraName}).Error("Failed to unregister era")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to unregister era: %v", err)
	}
	return nil
}

func (rec eraRecord) toModel() models.Era {
	return models.Era{
		TableSchema:          rec.TableSchema,
		TableName:            rec.TableName,
		Name:                 rec.EraName,
		RangeColumn:          rec.RangeColumn,
		ValidFromColumn:      rec.ValidFromColumn,
		ValidUntilColumn:     rec.ValidUntilColumn,
		ValidToColumn:        rec.ValidToColumn,
		RangeType:            rec.RangeType,
		MultirangeType:       rec.MultirangeType,
		RangeSubtype:         rec.RangeSubtype,
		RangeSubtypeCategory: rec.RangeSubtypeCategory,
		EphemeralColumns:     rec.EphemeralColumns,
	}
}
