package models

import "github.com/sagadb/sage/pkg/interval"

// PlanOp is one row of the merge plan. The plan is ordered by PlanOpSeq;
// operations sharing a StatementSeq may execute in one batched statement.
type PlanOp struct {
	PlanOpSeq     int64             `json:"plan_op_seq"`
	StatementSeq  int               `json:"statement_seq"`
	RowIDs        []int64           `json:"row_ids"`
	Operation     PlanAction        `json:"operation"`
	UpdateEffect  UpdateEffect      `json:"update_effect,omitempty"`
	CausalID      string            `json:"causal_id,omitempty"`
	IsNewEntity   bool              `json:"is_new_entity"`
	EntityKeys    Payload           `json:"entity_keys,omitempty"`
	IdentityKeys  Payload           `json:"identity_keys,omitempty"`
	LookupKeys    Payload           `json:"lookup_keys,omitempty"`
	STRelation    interval.Relation `json:"s_t_relation,omitempty"` // source range vs. target range
	BARelation    interval.Relation `json:"b_a_relation,omitempty"` // old range vs. new range
	OldValidFrom  string            `json:"old_valid_from,omitempty"`
	OldValidUntil string            `json:"old_valid_until,omitempty"`
	NewValidFrom  string            `json:"new_valid_from,omitempty"`
	NewValidUntil string            `json:"new_valid_until,omitempty"`
	OldValidRange string            `json:"old_valid_range,omitempty"`
	NewValidRange string            `json:"new_valid_range,omitempty"`
	Data          Payload           `json:"data,omitempty"`
	Feedback      Payload           `json:"feedback,omitempty"`
	GroupingKey   string            `json:"grouping_key"`
}
