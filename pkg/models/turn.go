package models

import "time"

// TurnState is the lifecycle state of a logical turn.
type TurnState string

// Turn state values. Committed, superseded and failed are terminal;
// committed blocks supersede.
const (
	TurnStateAccumulating TurnState = "accumulating"
	TurnStateRunning      TurnState = "running"
	TurnStateSuperseded   TurnState = "superseded"
	TurnStateCommitted    TurnState = "committed"
	TurnStateFailed       TurnState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s TurnState) Terminal() bool {
	switch s {
	case TurnStateCommitted, TurnStateSuperseded, TurnStateFailed:
		return true
	}
	return false
}

// SideEffectPolicy declares the reversibility of a tool's side effects.
type SideEffectPolicy string

// Side-effect policy values.
const (
	SideEffectNone         SideEffectPolicy = "none"
	SideEffectReversible   SideEffectPolicy = "reversible"
	SideEffectIrreversible SideEffectPolicy = "irreversible"
)

// ToolStatus is the terminal status of a tool attempt.
type ToolStatus string

// Tool attempt status values.
const (
	ToolStatusSucceeded ToolStatus = "succeeded"
	ToolStatusFailed    ToolStatus = "failed"
)

// AttemptedTool records one tool execution attempted during a turn.
type AttemptedTool struct {
	ToolID           string           `json:"tool_id"`
	SideEffectPolicy SideEffectPolicy `json:"side_effect_policy"`
	IdempotencyKey   string           `json:"idempotency_key,omitempty"`
	Status           ToolStatus       `json:"status"`
}

// LogicalTurn is the unit of work: one or more raw messages aggregated
// within the aggregation window, processed by a single pipeline invocation.
type LogicalTurn struct {
	ID         string     `json:"id"`
	SessionKey SessionKey `json:"session_key"`
	TenantID   string     `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`

	Messages  []RawMessage `json:"messages"`
	StartedAt time.Time    `json:"started_at"`
	State     TurnState    `json:"state"`

	// CommitReached flips true when an irreversible tool succeeds. Once set,
	// no supersede may cancel this turn.
	CommitReached bool `json:"commit_reached"`

	AttemptedTools []AttemptedTool `json:"attempted_tools,omitempty"`

	// SupersededBy carries the successor turn id when State == superseded.
	SupersededBy string `json:"superseded_by,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// MessageBytes sums the approximate payload size of all absorbed messages.
func (t *LogicalTurn) MessageBytes() int {
	n := 0
	for i := range t.Messages {
		n += t.Messages[i].SizeBytes()
	}
	return n
}
