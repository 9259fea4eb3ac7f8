package plancache

import (
	"context"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagadb/sage/internal/repositories/target"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestKeyIsStable(t *testing.T) {
	params := KeyParams{
		TargetTable:      `"public"."prices"`,
		SourceTable:      `"public"."prices_staging"`,
		EraName:          "valid",
		RowIDColumn:      "row_id",
		IdentityColumns:  []string{"id"},
		LookupKeySets:    [][]string{{"code"}},
		EphemeralColumns: []string{"edited_by", "comment"},
		IdentityStrategy: "HYBRID",
	}

	key := Key(params)
	assert.Equal(t, key, Key(params))
	assert.True(t, strings.HasPrefix(key, `sage:plan:"public"."prices":`))

	suffix := key[strings.LastIndex(key, ":")+1:]
	assert.Len(t, suffix, 16)
}

func TestKeyDiscriminates(t *testing.T) {
	base := KeyParams{
		TargetTable:     `"public"."prices"`,
		SourceTable:     `"public"."prices_staging"`,
		EraName:         "valid",
		RowIDColumn:     "row_id",
		IdentityColumns: []string{"id"},
	}

	other := base
	other.SourceTable = `"public"."prices_import"`
	assert.NotEqual(t, Key(base), Key(other))

	// Ephemeral column order does not matter.
	a, b := base, base
	a.EphemeralColumns = []string{"edited_by", "comment"}
	b.EphemeralColumns = []string{"comment", "edited_by"}
	assert.Equal(t, Key(a), Key(b))

	// One two-column key set is not the same as two one-column key sets.
	split, joined := base, base
	split.LookupKeySets = [][]string{{"code"}, {"region"}}
	joined.LookupKeySets = [][]string{{"code", "region"}}
	assert.NotEqual(t, Key(split), Key(joined))
}

func TestCacheGetPut(t *testing.T) {
	c := New(nil, 0, testLogger())
	ctx := context.Background()

	plan := &Plan{
		Key:             "sage:plan:t:abc",
		TargetConfig:    target.TableConfig{Table: `"public"."prices"`},
		SourceSignature: 11,
		TargetSignature: 22,
	}
	c.Put(ctx, plan)

	got, ok := c.Get(ctx, plan.Key, 11, 22)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.UseCount)

	_, ok = c.Get(ctx, "sage:plan:t:missing", 11, 22)
	assert.False(t, ok)
}

func TestCacheDropsStaleEntries(t *testing.T) {
	c := New(nil, 0, testLogger())
	ctx := context.Background()

	plan := &Plan{
		Key:             "sage:plan:t:abc",
		TargetConfig:    target.TableConfig{Table: `"public"."prices"`},
		SourceSignature: 11,
		TargetSignature: 22,
	}
	c.Put(ctx, plan)

	_, ok := c.Get(ctx, plan.Key, 99, 22)
	assert.False(t, ok, "a signature mismatch is a miss")

	_, ok = c.Get(ctx, plan.Key, 11, 22)
	assert.False(t, ok, "the stale entry was evicted")
}

func TestCacheInvalidateTable(t *testing.T) {
	c := New(nil, 0, testLogger())
	ctx := context.Background()

	prices := target.TableConfig{Table: `"public"."prices"`}
	rates := target.TableConfig{Table: `"public"."rates"`}
	c.Put(ctx, &Plan{Key: "sage:plan:p:1", TargetConfig: prices})
	c.Put(ctx, &Plan{Key: "sage:plan:p:2", TargetConfig: prices})
	c.Put(ctx, &Plan{Key: "sage:plan:r:1", TargetConfig: rates})

	c.InvalidateTable(ctx, prices.Table)

	_, ok := c.Get(ctx, "sage:plan:p:1", 0, 0)
	assert.False(t, ok)
	_, ok = c.Get(ctx, "sage:plan:p:2", 0, 0)
	assert.False(t, ok)
	_, ok = c.Get(ctx, "sage:plan:r:1", 0, 0)
	assert.True(t, ok, "other tables keep their entries")
}
