package merge

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/sagadb/sage/internal/repositories/schema"
	"github.com/sagadb/sage/internal/repositories/source"
	"github.com/sagadb/sage/internal/repositories/target"
	"github.com/sagadb/sage/pkg/plancache"
	"github.com/sagadb/sage/pkg/tracing"
)

// resolvePlan returns the cached merge plan for the request, building and
// caching a fresh one when no valid entry exists. The table structures are
// introspected on every call; their signatures gate cache reuse.
func (s *Service) resolvePlan(ctx context.Context, req Request) (*plancache.Plan, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Service.resolvePlan")
	defer span.End()

	targetSchema, targetName := schema.SplitIdent(req.TargetTable)
	sourceSchema, sourceName := schema.SplitIdent(req.SourceTable)
	targetIdent := schema.Qualify(targetSchema, targetName)
	sourceIdent := schema.Qualify(sourceSchema, sourceName)

	sourceCols, err := s.schemas.Columns(ctx, sourceSchema, sourceName)
	if err != nil {
		return nil, err
	}
	targetCols, err := s.schemas.Columns(ctx, targetSchema, targetName)
	if err != nil {
		return nil, err
	}
	sourceSig := schema.Signature(sourceCols)
	targetSig := schema.Signature(targetCols)

	key := plancache.Key(plancache.KeyParams{
		TargetTable:      targetIdent,
		SourceTable:      sourceIdent,
		EraName:          req.EraName,
		RowIDColumn:      req.RowIDColumn,
		FoundingIDColumn: req.FoundingIDColumn,
		IdentityColumns:  req.IdentityColumns,
		LookupKeySets:    req.NaturalKeySets,
		EphemeralColumns: req.EphemeralColumns,
		IdentityStrategy: string(identityStrategy(req)),
	})

	if s.cache != nil {
		if plan, ok := s.cache.Get(ctx, key, sourceSig, targetSig); ok {
			return plan, nil
		}
	}

	eraReg, err := s.eras.Get(ctx, targetSchema, targetName, req.EraName)
	if err != nil {
		return nil, err
	}
	if eraReg == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest,
			"era %q is not registered for table %s.%s", req.EraName, targetSchema, targetName)
	}

	pkCols, err := s.schemas.PrimaryKeyColumns(ctx, targetSchema, targetName)
	if err != nil {
		return nil, err
	}

	allLookup := unionKeySets(req.NaturalKeySets)
	ephemeral := unionCols(eraReg.EphemeralColumns, req.EphemeralColumns)

	temporal := map[string]struct{}{}
	for _, col := range []string{eraReg.RangeColumn, eraReg.ValidFromColumn, eraReg.ValidUntilColumn, eraReg.ValidToColumn} {
		if col != "" {
			temporal[col] = struct{}{}
		}
	}

	sourceNames := colSet(sourceCols)
	targetNames := colSet(targetCols)

	sourceExcluded := merged(temporal,
		req.IdentityColumns, allLookup, ephemeral,
		[]string{req.RowIDColumn, req.FoundingIDColumn, req.FeedbackStatusColumn, req.FeedbackErrorColumn, "era_id", "era_name"})
	targetExcluded := merged(temporal,
		req.IdentityColumns, allLookup, ephemeral, pkCols,
		[]string{"era_id", "era_name"})

	// Source data columns are restricted to columns the target can absorb;
	// staging-only bookkeeping columns never reach target DML.
	var sourceData, targetData []string
	for _, c := range sourceCols {
		if _, skip := sourceExcluded[c.Name]; !skip && targetNames[c.Name] {
			sourceData = append(sourceData, c.Name)
		}
	}
	var excludeIfNull []string
	for _, c := range targetCols {
		if _, skip := targetExcluded[c.Name]; !skip {
			targetData = append(targetData, c.Name)
			if c.IsNotNull && c.HasDefault {
				excludeIfNull = append(excludeIfNull, c.Name)
			}
		}
	}

	plan := &plancache.Plan{
		Key: key,
		Era: *eraReg,
		SourceConfig: source.ReadConfig{
			Table:            sourceIdent,
			RowIDColumn:      req.RowIDColumn,
			FoundingIDColumn: req.FoundingIDColumn,
			Era:              *eraReg,
			HasRangeColumn:   sourceNames[eraReg.RangeColumn],
			HasValidFrom:     sourceNames[eraReg.ValidFromColumn],
			HasValidUntil:    sourceNames[eraReg.ValidUntilColumn],
			HasValidTo:       eraReg.ValidToColumn != "" && sourceNames[eraReg.ValidToColumn],
			IdentityColumns:  req.IdentityColumns,
			LookupColumns:    allLookup,
			DataColumns:      sourceData,
			EphemeralColumns: ephemeral,
		},
		TargetConfig: target.TableConfig{
			Table:            targetIdent,
			Era:              *eraReg,
			HasRangeColumn:   targetNames[eraReg.RangeColumn],
			HasValidFrom:     targetNames[eraReg.ValidFromColumn],
			HasValidUntil:    targetNames[eraReg.ValidUntilColumn],
			PKColumns:        pkCols,
			IdentityColumns:  req.IdentityColumns,
			LookupColumns:    allLookup,
			DataColumns:      targetData,
			EphemeralColumns: ephemeral,
		},
		IdentityColumns:      req.IdentityColumns,
		LookupKeySets:        req.NaturalKeySets,
		AllLookupCols:        allLookup,
		ExcludeIfNullColumns: excludeIfNull,
		SourceSignature:      sourceSig,
		TargetSignature:      targetSig,
	}

	if s.cache != nil {
		s.cache.Put(ctx, plan)
	}
	return plan, nil
}

// unionKeySets flattens the natural key sets into one deduplicated column
// list, preserving first-seen order.
func unionKeySets(keySets [][]string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, keySet := range keySets {
		for _, col := range keySet {
			if _, ok := seen[col]; ok {
				continue
			}
			seen[col] = struct{}{}
			out = append(out, col)
		}
	}
	return out
}

func unionCols(lists ...[]string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, list := range lists {
		for _, col := range list {
			if _, ok := seen[col]; ok {
				continue
			}
			seen[col] = struct{}{}
			out = append(out, col)
		}
	}
	return out
}

func colSet(cols []schema.Column) map[string]bool {
	out := make(map[string]bool, len(cols))
	for _, c := range cols {
		out[c.Name] = true
	}
	return out
}

func merged(base map[string]struct{}, lists ...[]string) map[string]struct{} {
	out := make(map[string]struct{}, len(base))
	for k := range base {
		out[k] = struct{}{}
	}
	for _, list := range lists {
		for _, col := range list {
			if col != "" {
				out[col] = struct{}{}
			}
		}
	}
	return out
}
