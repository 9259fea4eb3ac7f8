package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/models"
)

func dateEra() models.Era {
	return models.Era{
		RangeColumn:      "validity",
		ValidFromColumn:  "valid_from",
		ValidUntilColumn: "valid_until",
	}
}

func TestTemporalExprs(t *testing.T) {
	fromExpr, untilExpr, err := temporalExprs(TableConfig{Era: dateEra(), HasRangeColumn: true})
	require.NoError(t, err)
	assert.Equal(t, `lower(t."validity")`, fromExpr)
	assert.Equal(t, `upper(t."validity")`, untilExpr)

	fromExpr, untilExpr, err = temporalExprs(TableConfig{Era: dateEra(), HasValidFrom: true, HasValidUntil: true})
	require.NoError(t, err)
	assert.Equal(t, `t."valid_from"`, fromExpr)
	assert.Equal(t, `t."valid_until"`, untilExpr)

	_, _, err = temporalExprs(TableConfig{Era: dateEra()})
	assert.Error(t, err)
}

func TestFilterClause(t *testing.T) {
	cfg := TableConfig{Table: `"public"."prices"`}
	filter := &TimelineFilter{
		SourceTable: `"public"."prices_staging"`,
		KeySets:     [][]string{{"id"}, {"code", "region"}},
	}

	clause := filterClause(cfg, filter)
	assert.Equal(t,
		`(t."id") IN (SELECT s."id" FROM "public"."prices_staging" AS s WHERE s."id" IS NOT NULL)`+
			` OR `+
			`(t."code", t."region") IN (SELECT s."code", s."region" FROM "public"."prices_staging" AS s WHERE s."code" IS NOT NULL AND s."region" IS NOT NULL)`,
		clause)

	assert.Empty(t, filterClause(cfg, nil), "a nil filter reads the whole table")
}

func TestSplitTargetRow(t *testing.T) {
	cfg := TableConfig{
		PKColumns:       []string{"pk"},
		IdentityColumns: []string{"id"},
		LookupColumns:   []string{"code"},
		DataColumns:     []string{"rate"},
	}
	rec := targetRecord{
		ValidFrom:  "2024-01-01",
		ValidUntil: "2025-01-01",
		Payload: database.JSONB[models.Payload]{Data: models.Payload{
			"pk":   float64(11),
			"id":   float64(7),
			"code": "A1",
			"rate": float64(40),
		}},
	}

	row := splitTargetRow(rec, cfg)
	assert.Equal(t, "2024-01-01", row.ValidFrom)
	assert.Equal(t, models.Payload{"id": float64(7)}, row.IdentityKeys)
	assert.Equal(t, models.Payload{"code": "A1"}, row.LookupKeys)
	assert.Equal(t, models.Payload{"rate": float64(40)}, row.DataPayload)
	assert.Equal(t, models.Payload{"pk": float64(11)}, row.PKPayload)
}

func TestInsertValues(t *testing.T) {
	cfg := TableConfig{
		Era:           dateEra(),
		HasValidFrom:  true,
		HasValidUntil: true,
	}
	op := models.PlanOp{
		Data:          models.Payload{"rate": float64(45)},
		EntityKeys:    models.Payload{"id": float64(7), "legacy_ref": nil},
		NewValidFrom:  "2024-07-01",
		NewValidUntil: "2025-01-01",
	}

	values := insertValues(cfg, op)
	assert.Equal(t, models.Payload{
		"rate":        float64(45),
		"id":          float64(7),
		"valid_from":  "2024-07-01",
		"valid_until": "2025-01-01",
	}, values, "NULL entity keys are left to the column default")
}

func TestInsertValuesRangeOnly(t *testing.T) {
	cfg := TableConfig{Era: dateEra(), HasRangeColumn: true}
	op := models.PlanOp{
		Data:          models.Payload{"rate": float64(45)},
		NewValidRange: "[2024-07-01,2025-01-01)",
	}

	values := insertValues(cfg, op)
	assert.Equal(t, "[2024-07-01,2025-01-01)", values["validity"])
	assert.NotContains(t, values, "valid_from")
}

type fakeCond struct {
	equals []string
	nulls  []string
}

func (f *fakeCond) Equal(field string, _ any) string {
	f.equals = append(f.equals, field)
	return field + " = ?"
}

func (f *fakeCond) IsNull(field string) string {
	f.nulls = append(f.nulls, field)
	return field + " IS NULL"
}

func TestRowPredicates(t *testing.T) {
	cfg := TableConfig{
		Era:             dateEra(),
		HasValidFrom:    true,
		PKColumns:       []string{"id", "region"},
		IdentityColumns: []string{"id"},
	}
	op := models.PlanOp{
		EntityKeys:   models.Payload{"id": float64(7), "region": nil},
		OldValidFrom: "2024-01-01",
	}

	cond := &fakeCond{}
	preds := rowPredicates(cond, cfg, op)
	require.Len(t, preds, 3)
	assert.Equal(t, []string{`"id"`, `"valid_from"`}, cond.equals)
	assert.Equal(t, []string{`"region"`}, cond.nulls, "NULL key values match with IS NULL")
}

func TestRowPredicatesFallsBackToIdentity(t *testing.T) {
	cfg := TableConfig{
		Era:             dateEra(),
		HasRangeColumn:  true,
		IdentityColumns: []string{"id"},
	}
	op := models.PlanOp{
		EntityKeys:   models.Payload{"id": float64(7)},
		OldValidFrom: "2024-01-01",
	}

	cond := &fakeCond{}
	preds := rowPredicates(cond, cfg, op)
	require.Len(t, preds, 2)
	assert.Equal(t, []string{`"id"`, `lower("validity")`}, cond.equals)
}
