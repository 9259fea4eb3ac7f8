package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagadb/sage/internal/repositories/source"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/plancache"
)

func validRequest() Request {
	return Request{
		TargetTable:     "public.prices",
		SourceTable:     "public.prices_staging",
		Mode:            models.MergeEntityPatch,
		IdentityColumns: []string{"id"},
	}
}

func TestNormalizeDefaults(t *testing.T) {
	s := &Service{}

	req, err := s.normalize(validRequest())
	require.NoError(t, err)
	assert.Equal(t, models.DeleteNone, req.DeleteMode)
	assert.Equal(t, "valid", req.EraName)
	assert.Equal(t, "row_id", req.RowIDColumn)
	assert.Empty(t, req.FeedbackStatusColumn, "feedback columns default only when feedback is on")

	fb := validRequest()
	fb.UpdateSourceFeedback = true
	req, err = s.normalize(fb)
	require.NoError(t, err)
	assert.Equal(t, "merge_status", req.FeedbackStatusColumn)
	assert.Equal(t, "merge_error", req.FeedbackErrorColumn)
}

func TestNormalizeRejectsInvalidRequests(t *testing.T) {
	s := &Service{}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing target table", func(r *Request) { r.TargetTable = "" }},
		{"missing source table", func(r *Request) { r.SourceTable = "" }},
		{"unknown mode", func(r *Request) { r.Mode = "UPSERT" }},
		{"unknown delete mode", func(r *Request) { r.DeleteMode = "ALL" }},
		{"delete mode on portion mode", func(r *Request) {
			r.Mode = models.PatchForPortionOf
			r.DeleteMode = models.DeleteMissingTimeline
		}},
		{"no entity keys", func(r *Request) { r.IdentityColumns = nil }},
		{"empty natural key set", func(r *Request) {
			r.NaturalKeySets = [][]string{{}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := s.normalize(req)
			assert.Error(t, err)
		})
	}
}

func TestIdentityStrategy(t *testing.T) {
	req := Request{IdentityColumns: []string{"id"}, NaturalKeySets: [][]string{{"code"}}}
	assert.Equal(t, models.StrategyHybrid, identityStrategy(req))

	req = Request{IdentityColumns: []string{"id"}}
	assert.Equal(t, models.StrategyIdentityKeyOnly, identityStrategy(req))

	req = Request{NaturalKeySets: [][]string{{"code"}}}
	assert.Equal(t, models.StrategyLookupKeyOnly, identityStrategy(req))

	assert.Equal(t, models.StrategyUndefined, identityStrategy(Request{}))
}

func TestTimelineFilter(t *testing.T) {
	plan := &plancache.Plan{
		SourceConfig: source.ReadConfig{
			Table:           "public.prices_staging",
			IdentityColumns: []string{"id"},
			LookupColumns:   []string{"code"},
		},
		IdentityColumns: []string{"id"},
		LookupKeySets:   [][]string{{"code"}, {"code", "region"}},
	}

	req := validRequest()
	filter := timelineFilter(req, plan)
	require.NotNil(t, filter)
	assert.Equal(t, "public.prices_staging", filter.SourceTable)
	assert.Equal(t, [][]string{{"id"}, {"code"}}, filter.KeySets,
		"key sets with columns missing from the source are dropped")
}

func TestTimelineFilterFullScan(t *testing.T) {
	plan := &plancache.Plan{
		SourceConfig: source.ReadConfig{
			Table:           "public.prices_staging",
			IdentityColumns: []string{"id"},
		},
		IdentityColumns: []string{"id"},
	}

	// Entity deletion under a whole-entity mode must see every target entity.
	req := validRequest()
	req.Mode = models.MergeEntityReplace
	req.DeleteMode = models.DeleteMissingEntities
	assert.Nil(t, timelineFilter(req, plan))

	// No usable key set also falls back to a full scan.
	empty := &plancache.Plan{
		SourceConfig:    source.ReadConfig{Table: "public.prices_staging"},
		IdentityColumns: []string{"id"},
	}
	assert.Nil(t, timelineFilter(validRequest(), empty))
}
