// Package scenario implements the graph navigator: it scores a turn against
// the active step's outgoing transitions, detects loops and drift, recovers a
// lost position by re-localization, and reconciles sessions pinned to stale
// scenario versions.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/pipeline"
)

// DecisionKind is the navigator's verdict for a turn.
type DecisionKind string

// Decision kinds.
const (
	DecisionContinue   DecisionKind = "continue"
	DecisionTransition DecisionKind = "transition"
	DecisionRelocalize DecisionKind = "relocalize"
	DecisionExit       DecisionKind = "exit"
)

// Decision is the outcome of navigating one turn.
type Decision struct {
	Kind       DecisionKind
	StepID     string
	Confidence float64
	Reason     string

	// MaxScore is the best transition score observed this turn, regardless of
	// outcome. The scheduler uses it to track the low-score streak that arms
	// re-localization.
	MaxScore float64
}

// TurnInput is the per-turn signal the navigator scores against the graph.
type TurnInput struct {
	// Text is the combined text of the turn's aggregated messages.
	Text string

	// Embedding is the turn embedding; computed from Text when nil.
	Embedding []float64

	// RecentTexts holds the last few turns' texts, newest last, for
	// re-localization scoring.
	RecentTexts []string

	// Signal carries an explicit pipeline hint: "exit" or "wrong_step".
	Signal string

	// LowScoreStreak is how many consecutive prior turns scored below the
	// sanity threshold.
	LowScoreStreak int
}

// Signal values recognized in TurnInput.Signal.
const (
	SignalExit      = "exit"
	SignalWrongStep = "wrong_step"
)

// Adjudicator breaks ties when several transitions clear the threshold. It
// returns the chosen target step id, or uncertain=true to fall back to the
// deterministic margin rule.
type Adjudicator interface {
	Adjudicate(ctx context.Context, current *models.Step, candidates []Candidate, input *TurnInput) (stepID string, uncertain bool, err error)
}

// Candidate is one transition that cleared the threshold, with its score and
// original definition position.
type Candidate struct {
	Transition models.Transition
	Score      float64
	Index      int
}

// Navigator evaluates scenario transitions for one turn at a time. It holds
// no per-session state; everything it needs arrives in the session snapshot
// and TurnInput.
type Navigator struct {
	cfg         *config.NavigatorConfig
	embedder    pipeline.Embedder
	adjudicator Adjudicator
	logger      *slog.Logger
}

// NewNavigator creates a Navigator. The adjudicator may be nil; it is only
// consulted when cfg.LLMAdjudication is set.
func NewNavigator(cfg *config.NavigatorConfig, embedder pipeline.Embedder, adjudicator Adjudicator, logger *slog.Logger) *Navigator {
	if cfg == nil {
		cfg = config.DefaultNavigatorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{cfg: cfg, embedder: embedder, adjudicator: adjudicator, logger: logger}
}

// Navigate decides the session's next move within sc for one turn.
func (n *Navigator) Navigate(ctx context.Context, sc *models.Scenario, session *models.SessionState, input *TurnInput) (*Decision, error) {
	current := sc.Step(session.ActiveStepID)
	if current == nil {
		return n.Relocalize(ctx, sc, session, input, "step_missing")
	}
	if session.ActiveScenarioVersion != sc.Version {
		n.logger.Warn("Session pinned to stale scenario version",
			slog.String("session_key", string(session.Key)),
			slog.String("scenario_id", sc.ID),
			slog.Int("session_version", session.ActiveScenarioVersion),
			slog.Int("current_version", sc.Version))
	}

	if len(current.Transitions) == 0 {
		if current.IsTerminal {
			return &Decision{Kind: DecisionExit, Confidence: 1.0, Reason: "terminal_step"}, nil
		}
		return &Decision{Kind: DecisionContinue, Confidence: 1.0, Reason: "no_transitions"}, nil
	}

	turnVec, err := n.turnEmbedding(ctx, input)
	if err != nil {
		return nil, err
	}

	candidates, maxScore, err := n.score(ctx, current.Transitions, turnVec)
	if err != nil {
		return nil, err
	}

	if maxScore < n.cfg.SanityThreshold && n.relocalizationArmed(input) {
		dec, err := n.Relocalize(ctx, sc, session, input, relocalizeReason(input))
		if err != nil {
			return nil, err
		}
		dec.MaxScore = maxScore
		return dec, nil
	}

	dec, err := n.decide(ctx, current, candidates, maxScore, session, input)
	if err != nil {
		return nil, err
	}
	dec.MaxScore = maxScore

	if dec.Kind == DecisionContinue {
		if exit := n.exitCheck(current, input); exit != nil {
			exit.MaxScore = maxScore
			return exit, nil
		}
	}
	return dec, nil
}

func (n *Navigator) turnEmbedding(ctx context.Context, input *TurnInput) ([]float64, error) {
	if len(input.Embedding) > 0 {
		return input.Embedding, nil
	}
	vec, err := n.embedder.Embed(ctx, input.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed turn text: %w", err)
	}
	input.Embedding = vec
	return vec, nil
}

// score evaluates every transition. A transition with no embedding and no
// condition text is unconditional and scores 1.0.
func (n *Navigator) score(ctx context.Context, transitions []models.Transition, turnVec []float64) ([]Candidate, float64, error) {
	candidates := make([]Candidate, 0, len(transitions))
	maxScore := 0.0
	for i, t := range transitions {
		score := 1.0
		switch {
		case len(t.ConditionEmbedding) > 0:
			score = Cosine(turnVec, t.ConditionEmbedding)
		case t.ConditionText != "":
			condVec, err := n.embedder.Embed(ctx, t.ConditionText)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to embed transition condition: %w", err)
			}
			score = Cosine(turnVec, condVec)
		}
		if score > maxScore {
			maxScore = score
		}
		if score >= n.cfg.TransitionThreshold {
			candidates = append(candidates, Candidate{Transition: t, Score: score, Index: i})
		}
	}
	return candidates, maxScore, nil
}

func (n *Navigator) decide(ctx context.Context, current *models.Step, candidates []Candidate, maxScore float64, session *models.SessionState, input *TurnInput) (*Decision, error) {
	switch len(candidates) {
	case 0:
		return &Decision{Kind: DecisionContinue, Confidence: 1 - maxScore, Reason: "below_threshold"}, nil
	case 1:
		return n.transitionTo(candidates[0].Transition.ToStepID, candidates[0].Score, "single_match", session), nil
	}

	if n.cfg.LLMAdjudication && n.adjudicator != nil {
		stepID, uncertain, err := n.adjudicator.Adjudicate(ctx, current, candidates, input)
		if err != nil {
			n.logger.Warn("Adjudicator failed, falling back to margin rule", slog.String("error", err.Error()))
		} else if !uncertain {
			for _, c := range candidates {
				if c.Transition.ToStepID == stepID {
					return n.transitionTo(stepID, c.Score, "adjudicated", session), nil
				}
			}
			n.logger.Warn("Adjudicator chose a non-candidate step", slog.String("step_id", stepID))
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Transition.Priority != candidates[j].Transition.Priority {
			return candidates[i].Transition.Priority > candidates[j].Transition.Priority
		}
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Index < candidates[j].Index
	})
	// The margin rule only arbitrates between equal priorities; a higher
	// priority wins outright.
	top, runnerUp := candidates[0], candidates[1]
	if top.Transition.Priority == runnerUp.Transition.Priority && top.Score-runnerUp.Score < n.cfg.MinMargin {
		return &Decision{Kind: DecisionContinue, Confidence: top.Score - runnerUp.Score, Reason: "ambiguous"}, nil
	}
	return n.transitionTo(top.Transition.ToStepID, top.Score, "margin_winner", session), nil
}

// transitionTo applies loop suppression before committing to a target.
func (n *Navigator) transitionTo(stepID string, score float64, reason string, session *models.SessionState) *Decision {
	if n.isLoop(stepID, session) {
		return &Decision{Kind: DecisionContinue, Confidence: score, Reason: "loop_suppressed"}
	}
	return &Decision{Kind: DecisionTransition, StepID: stepID, Confidence: score, Reason: reason}
}

// isLoop reports whether the proposed target was already visited
// MaxLoopIterations times within the recent step-history window.
func (n *Navigator) isLoop(stepID string, session *models.SessionState) bool {
	history := session.StepHistory
	if len(history) > n.cfg.LoopDetectionWindow {
		history = history[len(history)-n.cfg.LoopDetectionWindow:]
	}
	visits := 0
	for _, h := range history {
		if h.StepID == stepID {
			visits++
		}
	}
	return visits >= n.cfg.MaxLoopIterations
}

func (n *Navigator) exitCheck(current *models.Step, input *TurnInput) *Decision {
	if current.IsTerminal {
		return &Decision{Kind: DecisionExit, Confidence: 1.0, Reason: "terminal_step"}
	}
	if input.Signal == SignalExit {
		return &Decision{Kind: DecisionExit, Confidence: 1.0, Reason: "exit_signal"}
	}
	return nil
}

// relocalizationArmed reports whether the drift preconditions hold: enough
// consecutive low-score turns, or an explicit wrong-step signal.
func (n *Navigator) relocalizationArmed(input *TurnInput) bool {
	if input.Signal == SignalWrongStep {
		return true
	}
	// The current turn is also below the sanity threshold when this is
	// consulted, so the streak including it is LowScoreStreak+1.
	return input.LowScoreStreak+1 >= n.cfg.RelocalizationTriggerTurns
}

func relocalizeReason(input *TurnInput) string {
	if input.Signal == SignalWrongStep {
		return "wrong_step_signal"
	}
	return "low_score_streak"
}
