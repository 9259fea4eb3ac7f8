package models

// Payload is a JSON-decoded column/value map. Values carry encoding/json's
// decoded types (string, float64, bool, nil, nested maps/slices).
type Payload map[string]any

// Clone returns a shallow copy of p. Nil stays nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// SourceRow is one row read from the source table, with its columns split by
// category.
type SourceRow struct {
	RowID             int64
	CausalID          string // founding id when set, else the row id
	ValidFrom         string
	ValidUntil        string
	IdentityKeys      Payload
	LookupKeys        Payload
	DataPayload       Payload
	EphemeralPayload  Payload
	StablePKPayload   Payload
	IsIdentifiable    bool
	LookupColsAreNull bool
}

// TargetRow is one current slice read from the target table.
type TargetRow struct {
	ValidFrom        string
	ValidUntil       string
	IdentityKeys     Payload
	LookupKeys       Payload
	DataPayload      Payload
	EphemeralPayload Payload
	// PK-only columns (primary key minus identity/lookup/temporal), carried
	// through so existing-entity operations report complete entity keys.
	PKPayload Payload
}

// EarlyFeedback records a terminal skip or error decided during entity
// correlation, before planning.
type EarlyFeedback struct {
	Action  PlanAction
	Message string
}

// MatchedSourceRow is a source row after entity correlation.
type MatchedSourceRow struct {
	Source             SourceRow
	IsNewEntity        bool
	GroupingKey        string
	DiscoveredIdentity Payload // identity found via natural-key match, nil for new entities
	CanonicalNK        Payload // canonical natural key after new-entity unification
	EarlyFeedback      *EarlyFeedback
	IsEclipsed         bool
}

// Feedback is the per-source-row outcome of a merge call.
type Feedback struct {
	RowID      int64          `json:"row_id"`
	EntityKeys Payload        `json:"entity_keys,omitempty"`
	Status     FeedbackStatus `json:"status"`
	Message    string         `json:"message,omitempty"`
}
