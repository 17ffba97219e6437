package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

// Session status values.
const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusClosed SessionStatus = "closed"
)

// StepHistoryCap bounds the step_history ring kept on SessionState.
const StepHistoryCap = 50

// StepHistoryEntry records one scenario step entry.
type StepHistoryEntry struct {
	StepID     string    `json:"step_id"`
	EnteredAt  time.Time `json:"entered_at"`
	TurnNumber int       `json:"turn_number"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
}

// SessionState is the durable per-session state, persisted as a single value
// keyed by the session key. Every mutation increments Version; writers use
// compare-and-swap on the version they loaded.
type SessionState struct {
	Key     SessionKey `json:"key"`
	Version int64      `json:"version"`

	TenantID       string `json:"tenant_id"`
	AgentID        string `json:"agent_id"`
	InterlocutorID string `json:"interlocutor_id"`
	Channel        string `json:"channel"`

	// Active scenario pointer. The three fields are set together or all unset.
	ActiveScenarioID      string `json:"active_scenario_id,omitempty"`
	ActiveScenarioVersion int    `json:"active_scenario_version,omitempty"`
	ActiveStepID          string `json:"active_step_id,omitempty"`

	StepHistory         []StepHistoryEntry `json:"step_history,omitempty"`
	RelocalizationCount int                `json:"relocalization_count"`

	LastTurnAt time.Time     `json:"last_turn_at,omitzero"`
	TurnCount  int           `json:"turn_count"`
	Status     SessionStatus `json:"status"`

	// Variables is the small opaque customer/variable map carried across turns.
	Variables map[string]string `json:"variables,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasActiveScenario reports whether the scenario pointer is set.
func (s *SessionState) HasActiveScenario() bool {
	return s.ActiveScenarioID != "" && s.ActiveStepID != ""
}

// ClearScenario unsets all three scenario pointer fields together.
func (s *SessionState) ClearScenario() {
	s.ActiveScenarioID = ""
	s.ActiveScenarioVersion = 0
	s.ActiveStepID = ""
}

// SetScenario sets all three scenario pointer fields together.
func (s *SessionState) SetScenario(scenarioID string, version int, stepID string) {
	s.ActiveScenarioID = scenarioID
	s.ActiveScenarioVersion = version
	s.ActiveStepID = stepID
}

// RecordStep appends a step-history entry, trimming to StepHistoryCap.
func (s *SessionState) RecordStep(entry StepHistoryEntry) {
	s.StepHistory = append(s.StepHistory, entry)
	if len(s.StepHistory) > StepHistoryCap {
		s.StepHistory = s.StepHistory[len(s.StepHistory)-StepHistoryCap:]
	}
}

// Clone returns a deep copy. The scheduler hands pipeline code a snapshot so
// the committed state is always derived from the copy, never shared memory.
func (s *SessionState) Clone() *SessionState {
	cp := *s
	if s.StepHistory != nil {
		cp.StepHistory = make([]StepHistoryEntry, len(s.StepHistory))
		copy(cp.StepHistory, s.StepHistory)
	}
	if s.Variables != nil {
		cp.Variables = make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			cp.Variables[k] = v
		}
	}
	return &cp
}
