// Package models defines the shared types for the temporal merge engine:
// merge modes, plan operations, era metadata, and row shapes.
package models

// MergeMode controls how source rows are reconciled onto the target timeline.
type MergeMode string

const (
	MergeEntityUpsert   MergeMode = "MERGE_ENTITY_UPSERT"
	MergeEntityPatch    MergeMode = "MERGE_ENTITY_PATCH"
	MergeEntityReplace  MergeMode = "MERGE_ENTITY_REPLACE"
	InsertNewEntities   MergeMode = "INSERT_NEW_ENTITIES"
	UpdateForPortionOf  MergeMode = "UPDATE_FOR_PORTION_OF"
	PatchForPortionOf   MergeMode = "PATCH_FOR_PORTION_OF"
	ReplaceForPortionOf MergeMode = "REPLACE_FOR_PORTION_OF"
	DeleteForPortionOf  MergeMode = "DELETE_FOR_PORTION_OF"
)

// Valid reports whether m is a known merge mode.
func (m MergeMode) Valid() bool {
	switch m {
	case MergeEntityUpsert, MergeEntityPatch, MergeEntityReplace, InsertNewEntities,
		UpdateForPortionOf, PatchForPortionOf, ReplaceForPortionOf, DeleteForPortionOf:
		return true
	}
	return false
}

// IsPatch reports whether NULL source values preserve the target value.
func (m MergeMode) IsPatch() bool {
	return m == MergeEntityPatch || m == PatchForPortionOf
}

// IsReplace reports whether the source payload fully overwrites the target,
// including NULLs.
func (m MergeMode) IsReplace() bool {
	return m == MergeEntityReplace || m == ReplaceForPortionOf
}

// IsLastWriterWins reports whether only the highest source row id contributes
// to the row-id attribution of an atomic segment. PATCH/UPSERT modes
// accumulate every covering row instead.
func (m MergeMode) IsLastWriterWins() bool {
	switch m {
	case MergeEntityReplace, ReplaceForPortionOf, InsertNewEntities, DeleteForPortionOf:
		return true
	}
	return false
}

// IsForPortionOf reports whether the mode only touches entities that already
// exist in the target.
func (m MergeMode) IsForPortionOf() bool {
	switch m {
	case UpdateForPortionOf, PatchForPortionOf, ReplaceForPortionOf, DeleteForPortionOf:
		return true
	}
	return false
}

// IsEntityScope reports whether the mode considers the entity's full timeline
// rather than only the source-covered portion.
func (m MergeMode) IsEntityScope() bool {
	switch m {
	case MergeEntityUpsert, MergeEntityPatch, MergeEntityReplace, InsertNewEntities:
		return true
	}
	return false
}

// DeleteMode controls what happens to target slices absent from the source.
type DeleteMode string

const (
	DeleteNone                       DeleteMode = "NONE"
	DeleteMissingTimeline            DeleteMode = "DELETE_MISSING_TIMELINE"
	DeleteMissingEntities            DeleteMode = "DELETE_MISSING_ENTITIES"
	DeleteMissingTimelineAndEntities DeleteMode = "DELETE_MISSING_TIMELINE_AND_ENTITIES"
)

// Valid reports whether d is a known delete mode.
func (d DeleteMode) Valid() bool {
	switch d {
	case DeleteNone, DeleteMissingTimeline, DeleteMissingEntities, DeleteMissingTimelineAndEntities:
		return true
	}
	return false
}

// DeletesEntities reports whether entities missing from the source batch are
// removed from the target.
func (d DeleteMode) DeletesEntities() bool {
	return d == DeleteMissingEntities || d == DeleteMissingTimelineAndEntities
}

// DeletesTimeline reports whether slices of a sourced entity that are not
// covered by the source batch are removed.
func (d DeleteMode) DeletesTimeline() bool {
	return d == DeleteMissingTimeline || d == DeleteMissingTimelineAndEntities
}

// PlanAction is the operation decided for one plan row.
type PlanAction string

const (
	ActionDelete        PlanAction = "DELETE"
	ActionUpdate        PlanAction = "UPDATE"
	ActionInsert        PlanAction = "INSERT"
	ActionSkipIdentical PlanAction = "SKIP_IDENTICAL"
	ActionSkipNoTarget  PlanAction = "SKIP_NO_TARGET"
	ActionSkipFiltered  PlanAction = "SKIP_FILTERED"
	ActionSkipEclipsed  PlanAction = "SKIP_ECLIPSED"
	ActionError         PlanAction = "ERROR"
)

// IsDML reports whether the action writes to the target.
func (a PlanAction) IsDML() bool {
	return a == ActionInsert || a == ActionUpdate || a == ActionDelete
}

// UpdateEffect describes how an UPDATE changes a slice's validity range.
type UpdateEffect string

const (
	EffectNone   UpdateEffect = "NONE"
	EffectShrink UpdateEffect = "SHRINK"
	EffectMove   UpdateEffect = "MOVE"
	EffectGrow   UpdateEffect = "GROW"
)

// FeedbackStatus is the per-source-row outcome of a merge call.
type FeedbackStatus string

const (
	StatusApplied          FeedbackStatus = "APPLIED"
	StatusSkippedIdentical FeedbackStatus = "SKIPPED_IDENTICAL"
	StatusSkippedNoTarget  FeedbackStatus = "SKIPPED_NO_TARGET"
	StatusSkippedFiltered  FeedbackStatus = "SKIPPED_FILTERED"
	StatusSkippedEclipsed  FeedbackStatus = "SKIPPED_ECLIPSED"
	StatusError            FeedbackStatus = "ERROR"
)
