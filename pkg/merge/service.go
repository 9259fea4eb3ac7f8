// Package merge is the public entry point of the engine. A Service resolves
// the merge configuration (era registration, table structure, cached plan),
// reads both tables, plans the reconciliation, and executes it in one
// transaction.
package merge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sagadb/sage/internal/repositories/era"
	"github.com/sagadb/sage/internal/repositories/schema"
	"github.com/sagadb/sage/internal/repositories/source"
	"github.com/sagadb/sage/internal/repositories/target"
	"github.com/sagadb/sage/pkg/database"
	"github.com/sagadb/sage/pkg/executor"
	"github.com/sagadb/sage/pkg/models"
	"github.com/sagadb/sage/pkg/plancache"
	"github.com/sagadb/sage/pkg/planner"
	"github.com/sagadb/sage/pkg/tracing"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request configures one merge call.
type Request struct {
	TargetTable string           `validate:"required"`
	SourceTable string           `validate:"required"` // table or view exposing RowIDColumn
	Mode        models.MergeMode `validate:"required"`
	DeleteMode  models.DeleteMode
	EraName     string // default "valid"

	IdentityColumns  []string
	NaturalKeySets   [][]string
	EphemeralColumns []string
	FoundingIDColumn string
	RowIDColumn      string // default "row_id"

	// UpdateSourceIdentity backfills generated identity values into the
	// source rows that founded each new entity.
	UpdateSourceIdentity bool

	// UpdateSourceFeedback writes the per-row status (and error message)
	// back into the source table.
	UpdateSourceFeedback bool
	FeedbackStatusColumn string // default "merge_status"
	FeedbackErrorColumn  string // default "merge_error"
}

// Result is the outcome of one merge call.
type Result struct {
	RunID    string            `json:"run_id"`
	Plan     []models.PlanOp   `json:"plan"`
	Feedback []models.Feedback `json:"feedback"`
	Counts   executor.Counts   `json:"counts"`
}

// Service orchestrates merge calls.
type Service struct {
	db       database.DB
	eras     *era.Repository
	schemas  *schema.Repository
	sources  *source.Repository
	targets  *target.Repository
	planner  *planner.Planner
	executor *executor.Executor
	cache    *plancache.Cache
	logger   ectologger.Logger
}

// NewService wires a Service from a database handle and an optional plan
// cache. A nil cache disables caching entirely.
func NewService(db database.DB, cache *plancache.Cache, logger ectologger.Logger) *Service {
	sources := source.NewRepository(db, logger)
	targets := target.NewRepository(db, logger)
	return &Service{
		db:       db,
		eras:     era.NewRepository(db, logger),
		schemas:  schema.NewRepository(db, logger),
		sources:  sources,
		targets:  targets,
		planner:  planner.New(logger),
		executor: executor.New(db, targets, sources, logger),
		cache:    cache,
		logger:   logger,
	}
}

// Merge plans and applies the source batch onto the target timeline.
func (s *Service) Merge(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.Service.Merge")
	defer span.End()

	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":       runID,
		"target_table": req.TargetTable,
		"source_table": req.SourceTable,
		"mode":         req.Mode,
		"delete_mode":  req.DeleteMode,
	})

	plan, err := s.resolvePlan(ctx, req)
	if err != nil {
		return nil, err
	}

	sourceRows, err := s.sources.ReadRows(ctx, plan.SourceConfig)
	if err != nil {
		return nil, err
	}

	targetRows, err := s.targets.ReadTimeline(ctx, plan.TargetConfig, timelineFilter(req, plan))
	if err != nil {
		return nil, err
	}

	pctx := plannerContext(req, plan)
	planOps := s.planner.Plan(ctx, pctx, sourceRows, targetRows)

	opts := executor.Options{
		TargetConfig:         plan.TargetConfig,
		SourceConfig:         plan.SourceConfig,
		UpdateSourceIdentity: req.UpdateSourceIdentity,
	}
	if req.UpdateSourceFeedback {
		opts.StatusColumn = req.FeedbackStatusColumn
		opts.ErrorColumn = req.FeedbackErrorColumn
	}

	feedback, counts, err := s.executor.Execute(ctx, planOps, opts)
	if err != nil {
		return nil, err
	}

	log.WithFields(map[string]any{
		"source_rows": len(sourceRows),
		"target_rows": len(targetRows),
		"inserted":    counts.Inserted,
		"updated":     counts.Updated,
		"deleted":     counts.Deleted,
		"skipped":     counts.Skipped,
		"errored":     counts.Errored,
	}).Info("Merge completed")

	return &Result{
		RunID:    runID,
		Plan:     planOps,
		Feedback: feedback,
		Counts:   counts,
	}, nil
}

// RegisterEra records the temporal column layout of a target table. Cached
// plans for the table are dropped so the next merge sees the new layout.
func (s *Service) RegisterEra(ctx context.Context, e models.Era) error {
	ctx, span := tracing.StartSpan(ctx, "merge.Service.RegisterEra")
	defer span.End()

	if e.TableSchema == "" {
		e.TableSchema = "public"
	}
	if e.Name == "" {
		e.Name = "valid"
	}
	if err := s.eras.Register(ctx, e); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidateTable(ctx, schema.Qualify(e.TableSchema, e.TableName))
	}
	return nil
}

// UnregisterEra removes an era registration.
func (s *Service) UnregisterEra(ctx context.Context, tableSchema, tableName, eraName string) error {
	ctx, span := tracing.StartSpan(ctx, "merge.Service.UnregisterEra")
	defer span.End()

	if err := s.eras.Unregister(ctx, tableSchema, tableName, eraName); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.InvalidateTable(ctx, schema.Qualify(tableSchema, tableName))
	}
	return nil
}

// normalize validates the request and applies defaults.
func (s *Service) normalize(req Request) (Request, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msg := ""
			for _, fe := range verrs {
				msg += fmt.Sprintf("\n • Failed %T validation for field '%s': rule '%s' expected '%s', got '%v'.", req, fe.StructField(), fe.Tag(), fe.Param(), fe.Value())
			}
			return req, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid merge request:%s", msg)
		}
		return req, err
	}

	if !req.Mode.Valid() {
		return req, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown merge mode: %s", req.Mode)
	}
	if req.DeleteMode == "" {
		req.DeleteMode = models.DeleteNone
	}
	if !req.DeleteMode.Valid() {
		return req, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown delete mode: %s", req.DeleteMode)
	}
	if req.DeleteMode != models.DeleteNone && !req.Mode.IsEntityScope() {
		return req, httperror.NewHTTPErrorf(http.StatusBadRequest, "delete mode %s requires an entity-scoped merge mode", req.DeleteMode)
	}
	if req.EraName == "" {
		req.EraName = "valid"
	}
	if req.RowIDColumn == "" {
		req.RowIDColumn = "row_id"
	}
	if req.UpdateSourceFeedback {
		if req.FeedbackStatusColumn == "" {
			req.FeedbackStatusColumn = "merge_status"
		}
		if req.FeedbackErrorColumn == "" {
			req.FeedbackErrorColumn = "merge_error"
		}
	}
	if len(req.IdentityColumns) == 0 && len(req.NaturalKeySets) == 0 {
		return req, httperror.NewHTTPErrorf(http.StatusBadRequest, "at least one of identity columns or natural key sets is required")
	}
	for _, keySet := range req.NaturalKeySets {
		if len(keySet) == 0 {
			return req, httperror.NewHTTPErrorf(http.StatusBadRequest, "natural key sets must not be empty")
		}
	}
	return req, nil
}

func identityStrategy(req Request) models.IdentityStrategy {
	switch {
	case len(req.IdentityColumns) > 0 && len(req.NaturalKeySets) > 0:
		return models.StrategyHybrid
	case len(req.IdentityColumns) > 0:
		return models.StrategyIdentityKeyOnly
	case len(req.NaturalKeySets) > 0:
		return models.StrategyLookupKeyOnly
	default:
		return models.StrategyUndefined
	}
}

// timelineFilter restricts the target read to entities the batch references.
// Entity-wide patch and replace modes combined with entity deletion must see
// the whole table, so absent entities can be detected.
func timelineFilter(req Request, plan *plancache.Plan) *target.TimelineFilter {
	fullScan := (req.Mode == models.MergeEntityPatch || req.Mode == models.MergeEntityReplace) &&
		req.DeleteMode.DeletesEntities()
	if fullScan {
		return nil
	}

	sourceCols := map[string]struct{}{}
	for _, col := range plan.SourceConfig.IdentityColumns {
		sourceCols[col] = struct{}{}
	}
	for _, col := range plan.SourceConfig.LookupColumns {
		sourceCols[col] = struct{}{}
	}

	var keySets [][]string
	addIfPresent := func(keySet []string) {
		for _, col := range keySet {
			if _, ok := sourceCols[col]; !ok {
				return
			}
		}
		keySets = append(keySets, keySet)
	}
	if len(plan.IdentityColumns) > 0 {
		addIfPresent(plan.IdentityColumns)
	}
	for _, keySet := range plan.LookupKeySets {
		addIfPresent(keySet)
	}
	if len(keySets) == 0 {
		return nil
	}
	return &target.TimelineFilter{
		SourceTable: plan.SourceConfig.Table,
		KeySets:     keySets,
	}
}

func plannerContext(req Request, plan *plancache.Plan) *planner.Context {
	excludeIfNull := make(map[string]struct{}, len(plan.ExcludeIfNullColumns))
	for _, col := range plan.ExcludeIfNullColumns {
		excludeIfNull[col] = struct{}{}
	}
	return &planner.Context{
		Mode:             req.Mode,
		DeleteMode:       req.DeleteMode,
		Era:              plan.Era,
		IdentityColumns:  plan.IdentityColumns,
		AllLookupCols:    plan.AllLookupCols,
		LookupKeySets:    plan.LookupKeySets,
		PKCols:           plan.TargetConfig.PKColumns,
		Strategy:         identityStrategy(req),
		EphemeralColumns: plan.TargetConfig.EphemeralColumns,
		FoundingIDColumn: req.FoundingIDColumn,
		RowIDColumn:      req.RowIDColumn,
		ExcludeIfNull:    excludeIfNull,
	}
}
