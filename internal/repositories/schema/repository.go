// Package schema introspects table structure from the PostgreSQL catalogs:
// column lists with nullability and defaults, primary key membership, and the
// source column signature used for plan cache revalidation.
package schema

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/cespare/xxhash/v2"

	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/tracing"
)

// Column describes one column of an introspected table.
type Column struct {
	Name       string `db:"column_name"`
	DataType   string `db:"data_type"`
	IsNotNull  bool   `db:"is_not_null"`
	HasDefault bool   `db:"has_default"`
	Ordinal    int    `db:"ordinal"`
}

// Repository handles catalog introspection
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Columns returns the table's columns in ordinal order.
func (r *Repository) Columns(ctx context.Context, tableSchema, tableName string) ([]Column, error) {
	ctx, span := tracing.StartSpan(ctx, "schema.Repository.Columns")
	defer span.End()

	query := `
		SELECT a.attname AS column_name,
		       format_type(a.atttypid, a.atttypmod) AS data_type,
		       a.attnotnull AS is_not_null,
		       a.atthasdef AS has_default,
		       a.attnum AS ordinal
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		  AND c.relname = $2
		  AND a.attnum > 0
		  AND NOT a.attisdropped
		ORDER BY a.attnum
	`

	var cols []Column
	if err := r.db.SelectContext(ctx, &cols, query, tableSchema, tableName); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table_schema": tableSchema, "table_name": tableName}).Error("Failed to introspect table columns")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to introspect columns: %v", err)
	}
	if len(cols) == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "table %s.%s does not exist", tableSchema, tableName)
	}
	return cols, nil
}

// PrimaryKeyColumns returns the table's primary key column names in key order.
func (r *Repository) PrimaryKeyColumns(ctx context.Context, tableSchema, tableName string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "schema.Repository.PrimaryKeyColumns")
	defer span.End()

	query := `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
		WHERE n.nspname = $1
		  AND c.relname = $2
		  AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)
	`

	var cols []string
	if err := r.db.SelectContext(ctx, &cols, query, tableSchema, tableName); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table_schema": tableSchema, "table_name": tableName}).Error("Failed to introspect primary key")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to introspect primary key: %v", err)
	}
	return cols, nil
}

// Signature hashes the column names and types in ordinal order. A changed
// signature means cached plans built against the old structure are stale.
func Signature(cols []Column) uint64 {
	d := xxhash.New()
	for _, c := range cols {
		_, _ = d.WriteString(c.Name)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(c.DataType)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// SplitIdent splits a possibly schema-qualified identifier, defaulting the
// schema to "public".
func SplitIdent(ident string) (tableSchema, tableName string) {
	if i := strings.IndexByte(ident, '.'); i >= 0 {
		return ident[:i], ident[i+1:]
	}
	return "public", ident
}

// Qualify renders a quoted schema-qualified identifier.
func Qualify(tableSchema, tableName string) string {
	quote := func(s string) string {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return quote(tableSchema) + "." + quote(tableName)
}
