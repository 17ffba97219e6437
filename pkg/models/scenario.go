package models

// Transition is one outgoing edge of a scenario step. Transitions are
// evaluated semantically: the turn embedding is compared against
// ConditionEmbedding; a missing embedding scores 1.0.
type Transition struct {
	ToStepID           string    `yaml:"to_step_id" json:"to_step_id"`
	ConditionText      string    `yaml:"condition_text" json:"condition_text"`
	ConditionEmbedding []float64 `yaml:"condition_embedding,omitempty" json:"condition_embedding,omitempty"`
	Priority           int       `yaml:"priority" json:"priority"`
}

// Step is one node of a scenario graph.
type Step struct {
	ID                    string       `yaml:"id" json:"id"`
	Name                  string       `yaml:"name" json:"name"`
	Description           string       `yaml:"description,omitempty" json:"description,omitempty"`
	IsEntry               bool         `yaml:"is_entry,omitempty" json:"is_entry,omitempty"`
	IsTerminal            bool         `yaml:"is_terminal,omitempty" json:"is_terminal,omitempty"`
	ReachableFromAnywhere bool         `yaml:"reachable_from_anywhere,omitempty" json:"reachable_from_anywhere,omitempty"`
	Transitions           []Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`

	// IsCheckpoint marks a committed checkpoint: version reconciliation never
	// jumps a session backward across one of these.
	IsCheckpoint bool `yaml:"is_checkpoint,omitempty" json:"is_checkpoint,omitempty"`

	// RequiredVariables lists session variables new upstream steps depend on.
	// Missing values trigger a gap-fill pass during reconciliation.
	RequiredVariables []string `yaml:"required_variables,omitempty" json:"required_variables,omitempty"`

	// PromptTemplate is the step's response copy, rendered by template-driven
	// pipelines with the session variables in scope.
	PromptTemplate string `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
}

// Scenario is a versioned graph state machine driving a multi-step flow.
type Scenario struct {
	ID          string  `yaml:"id" json:"id"`
	Version     int     `yaml:"version" json:"version"`
	Name        string  `yaml:"name,omitempty" json:"name,omitempty"`
	EntryStepID string  `yaml:"entry_step_id" json:"entry_step_id"`
	Steps       []*Step `yaml:"steps" json:"steps"`
}

// Step returns the step with the given id, or nil.
func (s *Scenario) Step(stepID string) *Step {
	for _, step := range s.Steps {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

// EntryStep returns the entry step, or nil when EntryStepID is dangling.
func (s *Scenario) EntryStep() *Step {
	return s.Step(s.EntryStepID)
}

// StepIDs returns the set of step ids in definition order.
func (s *Scenario) StepIDs() []string {
	ids := make([]string, 0, len(s.Steps))
	for _, step := range s.Steps {
		ids = append(ids, step.ID)
	}
	return ids
}
