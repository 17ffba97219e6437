package scenario

import (
	"context"
	"fmt"

	"github.com/ruche-ai/ruche/pkg/models"
)

// VariableResolver supplies values for required session variables during a
// version jump, typically from the identity or profile stores. Returning
// ok=false leaves the variable for the pipeline to re-ask.
type VariableResolver interface {
	ResolveVariable(ctx context.Context, session *models.SessionState, name string) (value string, ok bool, err error)
}

// ReconcileResult is the outcome of moving a session from the scenario
// version it is pinned to onto the current one.
type ReconcileResult struct {
	// ForceRelocalize is set when the session's step no longer exists in the
	// current version; the caller must re-localize before navigating.
	ForceRelocalize bool

	// JumpStepID is set when a new upstream fork captured the session; the
	// caller should move the session onto it before navigating.
	JumpStepID string

	// GapVariables lists required variables of new upstream steps that could
	// not be resolved; the pipeline should collect them from the interlocutor.
	GapVariables []string
}

// Reconcile compares the scenario version a session is pinned to against the
// current one and decides how the position carries over. old may be nil when
// the pinned version is no longer retrievable; in that case only step
// existence is checked.
func (n *Navigator) Reconcile(ctx context.Context, old, current *models.Scenario, session *models.SessionState, input *TurnInput, resolver VariableResolver) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	if session.ActiveScenarioVersion == current.Version {
		return res, nil
	}

	active := current.Step(session.ActiveStepID)
	if active == nil {
		res.ForceRelocalize = true
		return res, nil
	}

	newSteps := addedSteps(old, current)
	if len(newSteps) == 0 {
		return res, nil
	}

	upstream := upstreamOf(current, newSteps, session.ActiveStepID)
	if len(upstream) > 0 && !n.checkpointCrossed(current, session, active) {
		fork, err := n.bestFork(ctx, upstream, session.ActiveStepID, input)
		if err != nil {
			return nil, err
		}
		if fork != nil {
			res.JumpStepID = fork.ID
		}
	}

	gaps, err := n.fillVariables(ctx, session, upstream, resolver)
	if err != nil {
		return nil, err
	}
	res.GapVariables = gaps
	return res, nil
}

// addedSteps returns the steps of current absent from old, in definition
// order. With old unavailable nothing is treated as new.
func addedSteps(old, current *models.Scenario) []*models.Step {
	if old == nil {
		return nil
	}
	var added []*models.Step
	for _, step := range current.Steps {
		if old.Step(step.ID) == nil {
			added = append(added, step)
		}
	}
	return added
}

// bestFork scores each fork's condition into the active step against the
// recent conversation and returns the best one clearing the transition
// threshold. A fork with no condition is unconditional.
func (n *Navigator) bestFork(ctx context.Context, forks []*models.Step, activeStepID string, input *TurnInput) (*models.Step, error) {
	ctxVec, err := n.conversationEmbedding(ctx, input)
	if err != nil {
		return nil, err
	}
	var best *models.Step
	bestScore := 0.0
	for _, fork := range forks {
		for _, t := range fork.Transitions {
			if t.ToStepID != activeStepID {
				continue
			}
			score := 1.0
			switch {
			case len(t.ConditionEmbedding) > 0:
				score = Cosine(ctxVec, t.ConditionEmbedding)
			case t.ConditionText != "":
				condVec, err := n.embedder.Embed(ctx, t.ConditionText)
				if err != nil {
					return nil, fmt.Errorf("failed to embed fork condition: %w", err)
				}
				score = Cosine(ctxVec, condVec)
			}
			if score >= n.cfg.TransitionThreshold && score > bestScore {
				best, bestScore = fork, score
			}
		}
	}
	return best, nil
}

// upstreamOf filters candidates down to the ones with a transition into the
// given step, in definition order.
func upstreamOf(sc *models.Scenario, candidates []*models.Step, stepID string) []*models.Step {
	var upstream []*models.Step
	for _, step := range candidates {
		for _, t := range step.Transitions {
			if t.ToStepID == stepID {
				upstream = append(upstream, step)
				break
			}
		}
	}
	return upstream
}

// checkpointCrossed reports whether jumping backward past the active step
// would cross a committed checkpoint: the active step itself, or any
// checkpoint entered at or after the session last arrived on it.
func (n *Navigator) checkpointCrossed(sc *models.Scenario, session *models.SessionState, active *models.Step) bool {
	if active.IsCheckpoint {
		return true
	}
	for i := len(session.StepHistory) - 1; i >= 0; i-- {
		entry := session.StepHistory[i]
		if entry.StepID == active.ID {
			return false
		}
		if step := sc.Step(entry.StepID); step != nil && step.IsCheckpoint {
			return true
		}
	}
	return false
}

// fillVariables resolves the required variables of the new upstream steps,
// writing resolved values into the session and returning the rest.
func (n *Navigator) fillVariables(ctx context.Context, session *models.SessionState, steps []*models.Step, resolver VariableResolver) ([]string, error) {
	var gaps []string
	seen := make(map[string]bool)
	for _, step := range steps {
		for _, name := range step.RequiredVariables {
			if seen[name] {
				continue
			}
			seen[name] = true
			if _, ok := session.Variables[name]; ok {
				continue
			}
			if resolver != nil {
				value, ok, err := resolver.ResolveVariable(ctx, session, name)
				if err != nil {
					return nil, err
				}
				if ok {
					if session.Variables == nil {
						session.Variables = make(map[string]string)
					}
					session.Variables[name] = value
					continue
				}
			}
			gaps = append(gaps, name)
		}
	}
	return gaps, nil
}
