package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/ruche/pkg/models"
)

func templateTurnContext() *TurnContext {
	return &TurnContext{
		Turn: &models.LogicalTurn{
			ID: "t1",
			Messages: []models.RawMessage{
				{Text: "hi"},
				{ContentType: models.ContentTypeImage},
				{Text: "I want the pro plan"},
			},
		},
		Session: &models.SessionState{
			Variables: map[string]string{"customer_name": "Dana"},
		},
	}
}

func TestTemplatePipeline_RendersStepTemplate(t *testing.T) {
	p := NewTemplatePipeline()
	tc := templateTurnContext()
	tc.Scenario = &ScenarioView{
		ScenarioID: "onboarding",
		Version:    1,
		StepID:     "welcome",
		Step: &models.Step{
			ID:             "welcome",
			Name:           "Welcome",
			PromptTemplate: "Hi {{.Vars.customer_name}}, you said: {{.Message}} ({{.StepName}})",
		},
	}

	result, err := p.RunTurn(context.Background(), tc)
	require.NoError(t, err)
	require.Len(t, result.Segments, 1)
	assert.Equal(t, models.SegmentTypeText, result.Segments[0].Type)
	assert.Equal(t, "Hi Dana, you said: hi\nI want the pro plan (Welcome)", result.Segments[0].Text)
	assert.Same(t, tc.Session, result.State)
}

func TestTemplatePipeline_MissingVariableRendersZero(t *testing.T) {
	p := NewTemplatePipeline()
	tc := templateTurnContext()
	tc.Scenario = &ScenarioView{
		StepID: "welcome",
		Step: &models.Step{
			ID:             "welcome",
			PromptTemplate: "Hello {{.Vars.missing}}.",
		},
	}

	result, err := p.RunTurn(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "Hello .", result.Segments[0].Text)
}

func TestTemplatePipeline_NoScenarioFallsBack(t *testing.T) {
	p := NewTemplatePipeline()
	result, err := p.RunTurn(context.Background(), templateTurnContext())
	require.NoError(t, err)
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "Got it.", result.Segments[0].Text)
}

func TestTemplatePipeline_GapVariablesPrompt(t *testing.T) {
	p := NewTemplatePipeline()
	tc := templateTurnContext()
	tc.Scenario = &ScenarioView{
		StepID:       "collect",
		Step:         &models.Step{ID: "collect"},
		GapVariables: []string{"email", "plan"},
	}

	result, err := p.RunTurn(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "Before we continue, I need: email, plan.", result.Segments[0].Text)
}

func TestTemplatePipeline_CancelAborts(t *testing.T) {
	p := NewTemplatePipeline()
	tc := templateTurnContext()
	tc.CancelRequested = func(_ context.Context) bool { return true }

	_, err := p.RunTurn(context.Background(), tc)
	require.ErrorIs(t, err, ErrAborted)
}

func TestTemplatePipeline_BadTemplate(t *testing.T) {
	p := NewTemplatePipeline()
	tc := templateTurnContext()
	tc.Scenario = &ScenarioView{
		StepID: "broken",
		Step: &models.Step{
			ID:             "broken",
			PromptTemplate: "{{.Vars.name",
		},
	}

	_, err := p.RunTurn(context.Background(), tc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template for step broken")
}
