package config

// NavigatorConfig carries the scenario navigator thresholds. All scores are
// cosine similarities in [0, 1]; see pkg/scenario for how each gate is
// applied.
type NavigatorConfig struct {
	EntryThreshold          float64 `yaml:"entry_threshold"`
	TransitionThreshold     float64 `yaml:"transition_threshold"`
	SanityThreshold         float64 `yaml:"sanity_threshold"`
	MinMargin               float64 `yaml:"min_margin"`
	RelocalizationThreshold float64 `yaml:"relocalization_threshold"`

	// RelocalizationTriggerTurns is how many consecutive low-score turns
	// arm re-localization.
	RelocalizationTriggerTurns int `yaml:"relocalization_trigger_turns"`

	// MaxRelocalizationHops bounds the BFS from the last valid step when
	// building the re-localization candidate set.
	MaxRelocalizationHops int `yaml:"max_relocalization_hops"`

	// MaxRelocalizationCandidates caps the candidate set size.
	MaxRelocalizationCandidates int `yaml:"max_relocalization_candidates"`

	// MaxLoopIterations is the visit count at which a proposed transition
	// target is considered a loop and suppressed.
	MaxLoopIterations int `yaml:"max_loop_iterations"`

	// LoopDetectionWindow is the step-history window inspected for loops.
	LoopDetectionWindow int `yaml:"loop_detection_window"`

	// LLMAdjudication enables the adjudicator hook when several transitions
	// clear the threshold.
	LLMAdjudication bool `yaml:"llm_adjudication"`

	// EmbeddingModel selects the embedder as "provider/model". The built-in
	// hashing embedder registers under provider "local".
	EmbeddingModel string `yaml:"embedding_model"`
}

// DefaultNavigatorConfig returns the built-in navigator thresholds.
func DefaultNavigatorConfig() *NavigatorConfig {
	return &NavigatorConfig{
		EntryThreshold:              0.65,
		TransitionThreshold:         0.65,
		SanityThreshold:             0.35,
		MinMargin:                   0.10,
		RelocalizationThreshold:     0.70,
		RelocalizationTriggerTurns:  3,
		MaxRelocalizationHops:       3,
		MaxRelocalizationCandidates: 10,
		MaxLoopIterations:           5,
		LoopDetectionWindow:         10,
		LLMAdjudication:             false,
		EmbeddingModel:              "local/hash-256",
	}
}
