package scenario

import (
	"context"

	"github.com/ruche-ai/ruche/pkg/models"
)

// Enter scores the agent's scenarios against the turn and returns the one to
// enter, or nil when none clears the entry threshold. Entry steps are matched
// by descriptor, the same text re-localization scores against.
func (n *Navigator) Enter(ctx context.Context, scenarios []*models.Scenario, input *TurnInput) (*models.Scenario, float64, error) {
	if len(scenarios) == 0 {
		return nil, 0, nil
	}
	turnVec, err := n.turnEmbedding(ctx, input)
	if err != nil {
		return nil, 0, err
	}

	var best *models.Scenario
	bestScore := 0.0
	for _, sc := range scenarios {
		entry := sc.EntryStep()
		if entry == nil {
			continue
		}
		descVec, err := n.embedder.Embed(ctx, stepDescriptor(entry))
		if err != nil {
			return nil, 0, err
		}
		if score := Cosine(turnVec, descVec); score > bestScore {
			best, bestScore = sc, score
		}
	}
	if best == nil || bestScore < n.cfg.EntryThreshold {
		return nil, 0, nil
	}
	return best, bestScore, nil
}
