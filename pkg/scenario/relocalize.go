package scenario

import (
	"context"
	"fmt"
	"strings"

	"github.com/ruche-ai/ruche/pkg/models"
)

const relocalizationContextTurns = 5

// Relocalize recovers a lost position: it builds a bounded candidate set,
// scores each step's descriptor against the recent conversation, and either
// re-anchors the session or exits the scenario when nothing matches.
func (n *Navigator) Relocalize(ctx context.Context, sc *models.Scenario, session *models.SessionState, input *TurnInput, cause string) (*Decision, error) {
	candidates := n.relocalizationCandidates(sc, session)
	if len(candidates) == 0 {
		return &Decision{Kind: DecisionExit, Confidence: 1.0, Reason: "relocalize_no_candidates:" + cause}, nil
	}

	ctxVec, err := n.conversationEmbedding(ctx, input)
	if err != nil {
		return nil, err
	}

	var best *models.Step
	bestScore := 0.0
	for _, step := range candidates {
		descVec, err := n.embedder.Embed(ctx, stepDescriptor(step))
		if err != nil {
			return nil, fmt.Errorf("failed to embed step descriptor: %w", err)
		}
		if score := Cosine(ctxVec, descVec); score > bestScore {
			best, bestScore = step, score
		}
	}

	if best == nil || bestScore < n.cfg.RelocalizationThreshold {
		return &Decision{Kind: DecisionExit, Confidence: 1 - bestScore, Reason: "relocalize_failed:" + cause}, nil
	}
	return &Decision{
		Kind:       DecisionRelocalize,
		StepID:     best.ID,
		Confidence: bestScore,
		Reason:     "relocalize:" + cause,
	}, nil
}

// relocalizationCandidates is the union of steps marked reachable-from-anywhere
// and the steps within MaxRelocalizationHops of the last history step that
// still exists, capped at MaxRelocalizationCandidates. With no usable history
// the BFS anchors on the entry step.
func (n *Navigator) relocalizationCandidates(sc *models.Scenario, session *models.SessionState) []*models.Step {
	seen := make(map[string]bool)
	candidates := make([]*models.Step, 0, n.cfg.MaxRelocalizationCandidates)
	add := func(step *models.Step) bool {
		if step == nil || seen[step.ID] {
			return len(candidates) < n.cfg.MaxRelocalizationCandidates
		}
		seen[step.ID] = true
		candidates = append(candidates, step)
		return len(candidates) < n.cfg.MaxRelocalizationCandidates
	}

	for _, step := range sc.Steps {
		if step.ReachableFromAnywhere && !add(step) {
			return candidates
		}
	}

	anchor := n.historyAnchor(sc, session)
	if anchor == nil {
		anchor = sc.EntryStep()
	}
	if anchor == nil {
		return candidates
	}

	frontier := []*models.Step{anchor}
	visited := map[string]bool{anchor.ID: true}
	if !add(anchor) {
		return candidates
	}
	for hop := 0; hop < n.cfg.MaxRelocalizationHops && len(frontier) > 0; hop++ {
		var next []*models.Step
		for _, step := range frontier {
			for _, t := range step.Transitions {
				target := sc.Step(t.ToStepID)
				if target == nil || visited[target.ID] {
					continue
				}
				visited[target.ID] = true
				next = append(next, target)
				if !add(target) {
					return candidates
				}
			}
		}
		frontier = next
	}
	return candidates
}

// historyAnchor returns the most recent step-history entry that still names an
// existing step.
func (n *Navigator) historyAnchor(sc *models.Scenario, session *models.SessionState) *models.Step {
	for i := len(session.StepHistory) - 1; i >= 0; i-- {
		if step := sc.Step(session.StepHistory[i].StepID); step != nil {
			return step
		}
	}
	return nil
}

// conversationEmbedding embeds the last few turns' texts joined together,
// falling back to the current turn when no history was supplied.
func (n *Navigator) conversationEmbedding(ctx context.Context, input *TurnInput) ([]float64, error) {
	texts := input.RecentTexts
	if len(texts) > relocalizationContextTurns {
		texts = texts[len(texts)-relocalizationContextTurns:]
	}
	joined := strings.Join(texts, "\n")
	if joined == "" {
		joined = input.Text
	}
	vec, err := n.embedder.Embed(ctx, joined)
	if err != nil {
		return nil, fmt.Errorf("failed to embed conversation context: %w", err)
	}
	return vec, nil
}

// stepDescriptor is the text a step is matched by: its name, description and
// up to three outgoing condition texts.
func stepDescriptor(step *models.Step) string {
	parts := []string{step.Name}
	if step.Description != "" {
		parts = append(parts, step.Description)
	}
	conditions := 0
	for _, t := range step.Transitions {
		if t.ConditionText == "" {
			continue
		}
		parts = append(parts, t.ConditionText)
		conditions++
		if conditions == 3 {
			break
		}
	}
	return strings.Join(parts, " | ")
}
