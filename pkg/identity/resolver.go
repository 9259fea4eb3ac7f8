// Package identity correlates source rows to target entities. Each source row
// resolves to an existing entity (via stable identity columns or natural-key
// lookup), to a pending new entity, or to a terminal per-row error. Newer
// source rows eclipse older ones whose interval they fully cover.
package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/sagadb/sage/pkg/interval"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/payload"
	"github.com/sagadb/sage/pkg/tracing"
)

// Config describes the key columns available for correlation.
type Config struct {
	IdentityColumns []string
	// LookupKeySets are natural key sets tried independently; a match on any
	// set correlates the row. Matching different entities through different
	// sets is ambiguous and fails the row.
	LookupKeySets [][]string
	AllLookupCols []string
	Strategy      models.IdentityStrategy
	FoundingMode  bool
	Numeric       bool
}

// Resolver matches source rows against the loaded target rows.
type Resolver struct {
	cfg    Config
	logger ectologger.Logger
}

// NewResolver creates a new Resolver.
func NewResolver(cfg Config, logger ectologger.Logger) *Resolver {
	return &Resolver{cfg: cfg, logger: logger}
}

// Resolve correlates every source row, unifies fragmented new entities onto a
// canonical natural key, and marks rows eclipsed by newer rows.
func (r *Resolver) Resolve(ctx context.Context, sourceRows []models.SourceRow, targetRows []models.TargetRow) []models.MatchedSourceRow {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.Resolve")
	defer span.End()

	matched := r.correlate(sourceRows, targetRows)
	matched = r.canonicalizeNewEntities(matched)
	matched = r.detectEclipsed(matched)

	newCount := 0
	for _, m := range matched {
		if m.IsNewEntity {
			newCount++
		}
	}
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_rows":  len(sourceRows),
		"target_rows":  len(targetRows),
		"new_entities": newCount,
	}).Debug("Resolved source row identities")

	return matched
}

func (r *Resolver) correlate(sourceRows []models.SourceRow, targetRows []models.TargetRow) []models.MatchedSourceRow {
	// One lookup index per natural key set.
	indexes := make([]map[string][]*models.TargetRow, len(r.cfg.LookupKeySets))
	for i, keySet := range r.cfg.LookupKeySets {
		index := make(map[string][]*models.TargetRow)
		for j := range targetRows {
			tr := &targetRows[j]
			if key := payload.KeyStringFor(tr.LookupKeys, keySet); key != "" {
				index[key] = append(index[key], tr)
			}
		}
		indexes[i] = index
	}

	targetByID := make(map[string]struct{})
	for j := range targetRows {
		if key := payload.KeyString(targetRows[j].IdentityKeys); key != "" {
			targetByID[key] = struct{}{}
		}
	}

	matched := make([]models.MatchedSourceRow, 0, len(sourceRows))
	for _, sr := range sourceRows {
		isNew := true
		var discovered models.Payload
		var canonicalNK models.Payload
		var early *models.EarlyFeedback

		if len(sr.IdentityKeys) > 0 {
			if _, ok := targetByID[payload.KeyString(sr.IdentityKeys)]; ok {
				isNew = false
				discovered = sr.IdentityKeys
			}
		}

		// Natural-key match, each key set independently. All sets are probed
		// so a row matching entity A via one set and entity B via another is
		// reported as ambiguous.
		if isNew && len(sr.LookupKeys) > 0 && !sr.LookupColsAreNull {
			matchedEntities := map[string]models.Payload{}
			var firstIdentity models.Payload
			for i, keySet := range r.cfg.LookupKeySets {
				key := payload.KeyStringFor(sr.LookupKeys, keySet)
				if key == "" {
					continue
				}
				for _, tr := range indexes[i][key] {
					matchedEntities[payload.KeyString(tr.IdentityKeys)] = tr.IdentityKeys
					if firstIdentity == nil {
						firstIdentity = tr.IdentityKeys
					}
				}
			}

			switch {
			case len(matchedEntities) > 1:
				isNew = false
				discovered = firstIdentity
				early = &models.EarlyFeedback{
					Action:  models.ActionError,
					Message: ambiguousMessage(matchedEntities),
				}
			case len(matchedEntities) == 1:
				isNew = false
				discovered = firstIdentity
				canonicalNK = payload.StripNulls(sr.LookupKeys)
			}
		}

		// A new row with neither identity nor natural keys cannot be
		// correlated, except in founding mode or when a serial identity
		// column makes the row a valid standalone INSERT.
		if isNew && !sr.IsIdentifiable && sr.LookupColsAreNull &&
			!r.cfg.FoundingMode &&
			r.cfg.Strategy != models.StrategyIdentityKeyOnly &&
			early == nil {
			early = &models.EarlyFeedback{
				Action:  models.ActionError,
				Message: r.unidentifiableMessage(),
			}
		}

		matched = append(matched, models.MatchedSourceRow{
			Source:             sr,
			IsNewEntity:        isNew,
			GroupingKey:        r.GroupingKey(sr, isNew, discovered, canonicalNK),
			DiscoveredIdentity: discovered,
			CanonicalNK:        canonicalNK,
			EarlyFeedback:      early,
		})
	}

	return matched
}

func ambiguousMessage(entities map[string]models.Payload) string {
	ids := make([]string, 0, len(entities))
	for key := range entities {
		ids = append(ids, key)
	}
	sort.Strings(ids)
	rendered := make([]string, 0, len(ids))
	for _, key := range ids {
		rendered = append(rendered, payload.PGText(entities[key]))
	}
	return fmt.Sprintf("Source row is ambiguous. It matches multiple distinct target entities: [%s]", strings.Join(rendered, ", "))
}

func (r *Resolver) unidentifiableMessage() string {
	sets := make([]string, 0, len(r.cfg.LookupKeySets))
	for _, ks := range r.cfg.LookupKeySets {
		sets = append(sets, "["+strings.Join(ks, ", ")+"]")
	}
	return fmt.Sprintf(
		"Source row is unidentifiable. It has NULL for all stable identity columns {%s} and all natural keys [%s]",
		strings.Join(r.cfg.IdentityColumns, ", "), strings.Join(sets, ", "),
	)
}

// canonicalizeNewEntities merges new-entity rows that share any natural key
// value into one pending entity. The canonical key is the union of the
// component's non-NULL keys, so fragmented rows (one key here, another key
// there) land in one group.
func (r *Resolver) canonicalizeNewEntities(matched []models.MatchedSourceRow) []models.MatchedSourceRow {
	if len(r.cfg.AllLookupCols) == 0 || len(r.cfg.LookupKeySets) == 0 {
		return matched
	}

	var newIdx []int
	for i := range matched {
		if matched[i].IsNewEntity && matched[i].EarlyFeedback == nil {
			newIdx = append(newIdx, i)
		}
	}
	if len(newIdx) == 0 {
		return matched
	}

	nkMaps := make([]models.Payload, len(newIdx))
	for i, gi := range newIdx {
		nkMaps[i] = payload.StripNulls(matched[gi].Source.LookupKeys)
	}

	uf := newUnionFind(len(newIdx))
	for _, keySet := range r.cfg.LookupKeySets {
		byValue := map[string][]int{}
		for i, nk := range nkMaps {
			if key := payload.KeyStringFor(nk, keySet); key != "" {
				byValue[key] = append(byValue[key], i)
			}
		}
		for _, idxs := range byValue {
			for i := 1; i < len(idxs); i++ {
				uf.union(idxs[0], idxs[i])
			}
		}
	}

	canonical := map[int]models.Payload{}
	for i := range newIdx {
		root := uf.find(i)
		entry := canonical[root]
		if entry == nil {
			entry = models.Payload{}
			canonical[root] = entry
		}
		for k, v := range nkMaps[i] {
			if _, ok := entry[k]; !ok {
				entry[k] = v
			}
		}
	}

	for i, gi := range newIdx {
		canon := canonical[uf.find(i)]
		if len(canon) > len(nkMaps[i]) || !payload.EqualIgnoringNulls(canon, nkMaps[i]) {
			matched[gi].CanonicalNK = canon
			matched[gi].GroupingKey = r.GroupingKey(matched[gi].Source, true, matched[gi].DiscoveredIdentity, canon)
		}
	}

	return matched
}

// detectEclipsed marks rows fully covered by the union of newer rows in the
// same partition. Rows with lookup values partition by those values; rows
// without partition by causal id, so unrelated rows never eclipse each other.
func (r *Resolver) detectEclipsed(matched []models.MatchedSourceRow) []models.MatchedSourceRow {
	byPartition := map[string][]int{}
	for i := range matched {
		byPartition[r.partitionKey(&matched[i].Source)] = append(byPartition[r.partitionKey(&matched[i].Source)], i)
	}

	for _, idxs := range byPartition {
		if len(idxs) <= 1 {
			continue
		}
		// Newest first. A row is eclipsed when the combined coverage of all
		// newer rows contains its interval.
		sort.Slice(idxs, func(a, b int) bool {
			return matched[idxs[a]].Source.RowID > matched[idxs[b]].Source.RowID
		})
		covered := interval.NewMultirange(r.cfg.Numeric)
		for _, i := range idxs {
			if matched[i].EarlyFeedback != nil {
				continue
			}
			if covered.Contains(matched[i].Source.ValidFrom, matched[i].Source.ValidUntil) {
				matched[i].IsEclipsed = true
			}
			covered.Add(matched[i].Source.ValidFrom, matched[i].Source.ValidUntil)
		}
	}

	return matched
}

func (r *Resolver) partitionKey(sr *models.SourceRow) string {
	if len(r.cfg.AllLookupCols) == 0 {
		return "causal_" + sr.CausalID
	}
	// A lookup column may double as an identity column when the PK is the
	// natural key, so check both maps.
	var parts []string
	for _, col := range r.cfg.AllLookupCols {
		v, ok := sr.LookupKeys[col]
		if !ok || v == nil {
			v, ok = sr.IdentityKeys[col]
		}
		if ok && v != nil {
			parts = append(parts, col+"="+payload.ValueString(v))
		}
	}
	if len(parts) == 0 {
		return "causal_" + sr.CausalID
	}
	sort.Strings(parts)
	return strings.Join(parts, "__")
}

// GroupingKey derives the entity grouping key for a source row. Existing
// entities group by identity column values, new entities by canonical natural
// key, falling back to provided identity values and finally the causal id.
func (r *Resolver) GroupingKey(sr models.SourceRow, isNew bool, discovered, canonicalNK models.Payload) string {
	if !isNew {
		idMap := discovered
		if idMap == nil {
			idMap = sr.IdentityKeys
		}
		return "existing_entity__" + joinCols(idMap, r.cfg.IdentityColumns)
	}
	if r.cfg.FoundingMode {
		return "new_entity__" + sr.CausalID
	}

	nk := canonicalNK
	if nk == nil {
		nk = sr.LookupKeys
	}
	if len(nk) > 0 {
		return "new_entity__" + joinCols(nk, r.cfg.AllLookupCols)
	}

	identityAllNull := true
	for _, c := range r.cfg.IdentityColumns {
		if v, ok := sr.IdentityKeys[c]; ok && v != nil {
			identityAllNull = false
			break
		}
	}
	if identityAllNull {
		return "new_entity__" + sr.CausalID
	}
	return "new_entity__" + joinCols(sr.IdentityKeys, r.cfg.IdentityColumns)
}

func joinCols(p models.Payload, cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		v, ok := p[c]
		if !ok {
			parts = append(parts, "_NULL_")
			continue
		}
		parts = append(parts, payload.ValueString(v))
	}
	return strings.Join(parts, "__")
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
