package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/models"
)

func dateEra() models.Era {
	return models.Era{
		RangeColumn:          "validity",
		ValidFromColumn:      "valid_from",
		ValidUntilColumn:     "valid_until",
		ValidToColumn:        "valid_to",
		RangeSubtypeCategory: "D",
	}
}

func TestBuildReadQuery(t *testing.T) {
	cfg := ReadConfig{
		Table:          `"public"."prices_staging"`,
		RowIDColumn:    "row_id",
		Era:            dateEra(),
		HasRangeColumn: true,
		HasValidFrom:   true,
		HasValidUntil:  true,
		HasValidTo:     true,
	}

	query, err := buildReadQuery(cfg)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT s."row_id"::bigint AS row_id, (s."row_id"::text) AS causal_id, `+
			`(COALESCE(lower(s."validity"), s."valid_from"))::text AS valid_from, `+
			`(COALESCE(upper(s."validity"), s."valid_until", (s."valid_to" + '1 day'::interval)))::text AS valid_until, `+
			`row_to_json(s) AS payload FROM "public"."prices_staging" AS s ORDER BY s."row_id"`,
		query)
}

func TestBuildReadQueryFoundingColumn(t *testing.T) {
	cfg := ReadConfig{
		Table:            `"public"."prices_staging"`,
		RowIDColumn:      "row_id",
		FoundingIDColumn: "founding_id",
		Era:              dateEra(),
		HasValidFrom:     true,
		HasValidUntil:    true,
	}

	query, err := buildReadQuery(cfg)
	require.NoError(t, err)
	assert.Contains(t, query, `COALESCE(s."founding_id"::text, s."row_id"::text)`)
	assert.Contains(t, query, `(s."valid_from")::text AS valid_from`)
}

func TestBuildReadQueryNumericSubtype(t *testing.T) {
	era := dateEra()
	era.RangeSubtypeCategory = "N"
	cfg := ReadConfig{
		Table:        `"public"."versions"`,
		RowIDColumn:  "row_id",
		Era:          era,
		HasValidFrom: true,
		HasValidTo:   true,
	}

	query, err := buildReadQuery(cfg)
	require.NoError(t, err)
	assert.Contains(t, query, `(s."valid_to" + 1)`)
}

func TestBuildReadQueryErrors(t *testing.T) {
	cfg := ReadConfig{
		Table:       `"public"."prices_staging"`,
		RowIDColumn: "row_id",
		Era:         dateEra(),
	}
	_, err := buildReadQuery(cfg)
	assert.Error(t, err, "a source without temporal columns is rejected")

	era := dateEra()
	era.RangeSubtypeCategory = "X"
	_, err = buildReadQuery(ReadConfig{Table: "t", RowIDColumn: "row_id", Era: era, HasValidFrom: true})
	assert.Error(t, err)
}

func TestBuildReadQueryValidFromOnly(t *testing.T) {
	cfg := ReadConfig{
		Table:        `"public"."prices_staging"`,
		RowIDColumn:  "row_id",
		Era:          dateEra(),
		HasValidFrom: true,
	}

	_, err := buildReadQuery(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "period end")
}

func TestSplitSourceRow(t *testing.T) {
	cfg := ReadConfig{
		IdentityColumns:  []string{"id"},
		LookupColumns:    []string{"code"},
		DataColumns:      []string{"rate"},
		EphemeralColumns: []string{"edited_by"},
	}
	rec := sourceRecord{
		RowID:      3,
		CausalID:   "3",
		ValidFrom:  "2024-01-01",
		ValidUntil: "2025-01-01",
		Payload: database.JSONB[models.Payload]{Data: models.Payload{
			"row_id":    float64(3),
			"id":        float64(7),
			"code":      "A1",
			"rate":      float64(40),
			"edited_by": "ops",
		}},
	}

	row := splitSourceRow(rec, cfg)
	assert.Equal(t, models.Payload{"id": float64(7)}, row.IdentityKeys)
	assert.Equal(t, models.Payload{"code": "A1"}, row.LookupKeys)
	assert.Equal(t, models.Payload{"rate": float64(40)}, row.DataPayload)
	assert.Equal(t, models.Payload{"edited_by": "ops"}, row.EphemeralPayload)
	assert.True(t, row.IsIdentifiable)
	assert.False(t, row.LookupColsAreNull)
}

func TestSplitSourceRowNullKeys(t *testing.T) {
	cfg := ReadConfig{
		IdentityColumns: []string{"id"},
		LookupColumns:   []string{"code"},
	}
	rec := sourceRecord{
		RowID: 1,
		Payload: database.JSONB[models.Payload]{Data: models.Payload{
			"id":   nil,
			"code": nil,
		}},
	}

	row := splitSourceRow(rec, cfg)
	assert.False(t, row.IsIdentifiable)
	assert.True(t, row.LookupColsAreNull)
	assert.Equal(t, models.Payload{"id": nil}, row.StablePKPayload)
}
