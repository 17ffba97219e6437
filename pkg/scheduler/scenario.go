package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/pipeline"
	"github.com/ruche-ai/ruche/pkg/scenario"
)

// lowScoreStreakVar is the hidden session variable tracking consecutive
// turns below the sanity threshold. It arms re-localization.
const lowScoreStreakVar = "_nav_low_streak"

// prepareScenario reconciles and navigates the session's scenario position
// for this turn, mutating the session snapshot. Returns nil when the session
// runs outside any scenario.
func (s *Scheduler) prepareScenario(ctx context.Context, turn *models.LogicalTurn, snap *config.Snapshot, session *models.SessionState) (*pipeline.ScenarioView, error) {
	if s.navigator == nil {
		return nil, nil
	}
	input := turnInputFor(turn, session)

	if !session.HasActiveScenario() {
		return s.enterScenario(ctx, turn, snap, session, input)
	}

	current, err := s.cfg.Scenarios.Latest(session.ActiveScenarioID)
	if err != nil {
		return nil, err
	}

	// The pinned version may have been unpublished; reconciliation degrades
	// to a step-existence check in that case.
	old, _ := s.cfg.Scenarios.Get(session.ActiveScenarioID, session.ActiveScenarioVersion)

	rec, err := s.navigator.Reconcile(ctx, old, current, session, input, s.resolver)
	if err != nil {
		return nil, err
	}

	if rec.ForceRelocalize {
		dec, err := s.navigator.Relocalize(ctx, current, session, input, "step_deleted")
		if err != nil {
			return nil, err
		}
		return s.applyDecision(ctx, turn, current, session, dec, rec.GapVariables), nil
	}

	if rec.JumpStepID != "" {
		session.SetScenario(current.ID, current.Version, rec.JumpStepID)
		s.recordStepEntry(ctx, turn, session, rec.JumpStepID, "fork_jump", 1.0)
		return scenarioView(current, session, false, rec.GapVariables), nil
	}

	// Adopt the latest version in place; the warning was already logged by
	// the navigator's consistency stage.
	session.ActiveScenarioVersion = current.Version

	dec, err := s.navigator.Navigate(ctx, current, session, input)
	if err != nil {
		return nil, err
	}
	s.trackLowScores(session, dec)
	return s.applyDecision(ctx, turn, current, session, dec, rec.GapVariables), nil
}

// enterScenario scores the agent's scenarios for entry when the session has
// no active position.
func (s *Scheduler) enterScenario(ctx context.Context, turn *models.LogicalTurn, snap *config.Snapshot, session *models.SessionState, input *scenario.TurnInput) (*pipeline.ScenarioView, error) {
	if len(snap.Agent.Scenarios) == 0 {
		return nil, nil
	}
	scenarios := make([]*models.Scenario, 0, len(snap.Agent.Scenarios))
	for _, id := range snap.Agent.Scenarios {
		sc, err := s.cfg.Scenarios.Latest(id)
		if err != nil {
			s.logger.Warn("Agent references unpublished scenario",
				slog.String("scenario_id", id), slog.String("agent_id", turn.AgentID))
			continue
		}
		scenarios = append(scenarios, sc)
	}

	sc, score, err := s.navigator.Enter(ctx, scenarios, input)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return nil, nil
	}
	session.SetScenario(sc.ID, sc.Version, sc.EntryStepID)
	s.recordStepEntry(ctx, turn, session, sc.EntryStepID, "enter", score)
	return scenarioView(sc, session, false, nil), nil
}

// applyDecision mutates the session per the navigator's verdict and returns
// the scenario view the pipeline runs against.
func (s *Scheduler) applyDecision(ctx context.Context, turn *models.LogicalTurn, sc *models.Scenario, session *models.SessionState, dec *scenario.Decision, gaps []string) *pipeline.ScenarioView {
	switch dec.Kind {
	case scenario.DecisionTransition:
		session.SetScenario(sc.ID, sc.Version, dec.StepID)
		s.recordStepEntry(ctx, turn, session, dec.StepID, dec.Reason, dec.Confidence)

	case scenario.DecisionRelocalize:
		session.SetScenario(sc.ID, sc.Version, dec.StepID)
		session.RelocalizationCount++
		session.Variables = setVar(session.Variables, lowScoreStreakVar, "0")
		if s.metrics != nil {
			s.metrics.Relocalizations.Inc()
		}
		session.RecordStep(models.StepHistoryEntry{
			StepID:     dec.StepID,
			EnteredAt:  s.now().UTC(),
			TurnNumber: session.TurnCount + 1,
			Reason:     dec.Reason,
			Confidence: dec.Confidence,
		})
		s.emitTurn(ctx, turn, events.EventSessionRelocalized, map[string]any{
			"step_id":    dec.StepID,
			"reason":     dec.Reason,
			"confidence": dec.Confidence,
		})
		return scenarioView(sc, session, true, gaps)

	case scenario.DecisionExit:
		session.ClearScenario()
		session.RecordStep(models.StepHistoryEntry{
			EnteredAt:  s.now().UTC(),
			TurnNumber: session.TurnCount + 1,
			Reason:     "exit:" + dec.Reason,
			Confidence: dec.Confidence,
		})
		return nil

	case scenario.DecisionContinue:
		// Position unchanged.
	}
	return scenarioView(sc, session, false, gaps)
}

func (s *Scheduler) recordStepEntry(ctx context.Context, turn *models.LogicalTurn, session *models.SessionState, stepID, reason string, confidence float64) {
	session.RecordStep(models.StepHistoryEntry{
		StepID:     stepID,
		EnteredAt:  s.now().UTC(),
		TurnNumber: session.TurnCount + 1,
		Reason:     reason,
		Confidence: confidence,
	})
	s.emitTurn(ctx, turn, events.EventSessionStepEntered, map[string]any{
		"scenario_id": session.ActiveScenarioID,
		"step_id":     stepID,
		"reason":      reason,
		"confidence":  confidence,
	})
}

// trackLowScores maintains the streak that arms re-localization.
func (s *Scheduler) trackLowScores(session *models.SessionState, dec *scenario.Decision) {
	if dec.MaxScore < s.cfg.Navigator.SanityThreshold {
		streak, _ := strconv.Atoi(session.Variables[lowScoreStreakVar])
		session.Variables = setVar(session.Variables, lowScoreStreakVar, strconv.Itoa(streak+1))
		return
	}
	if _, ok := session.Variables[lowScoreStreakVar]; ok {
		session.Variables = setVar(session.Variables, lowScoreStreakVar, "0")
	}
}

func setVar(vars map[string]string, key, value string) map[string]string {
	if vars == nil {
		vars = make(map[string]string)
	}
	vars[key] = value
	return vars
}

func scenarioView(sc *models.Scenario, session *models.SessionState, relocalized bool, gaps []string) *pipeline.ScenarioView {
	return &pipeline.ScenarioView{
		ScenarioID:   sc.ID,
		Version:      sc.Version,
		StepID:       session.ActiveStepID,
		Step:         sc.Step(session.ActiveStepID),
		Relocalized:  relocalized,
		GapVariables: gaps,
	}
}

// turnInputFor builds the navigator's view of this turn.
func turnInputFor(turn *models.LogicalTurn, session *models.SessionState) *scenario.TurnInput {
	texts := make([]string, 0, len(turn.Messages))
	for i := range turn.Messages {
		if turn.Messages[i].Text != "" {
			texts = append(texts, turn.Messages[i].Text)
		}
	}
	streak, _ := strconv.Atoi(session.Variables[lowScoreStreakVar])
	input := &scenario.TurnInput{
		Text:           strings.Join(texts, "\n"),
		RecentTexts:    texts,
		LowScoreStreak: streak,
	}
	if signal, ok := session.Variables["scenario_signal"]; ok {
		input.Signal = signal
	}
	return input
}
