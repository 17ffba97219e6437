package pipeline

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/ruche-ai/ruche/pkg/models"
)

// TemplatePipeline is a deterministic pipeline that renders each step's
// prompt template against the session variables. It carries no model calls,
// which makes it the default for scripted scenario flows and the workhorse of
// the fabric's own tests.
type TemplatePipeline struct{}

// NewTemplatePipeline creates a TemplatePipeline.
func NewTemplatePipeline() *TemplatePipeline {
	return &TemplatePipeline{}
}

// Name implements Pipeline.
func (p *TemplatePipeline) Name() string { return "template" }

// templateData is the rendering scope of a step template.
type templateData struct {
	Vars         map[string]string
	Message      string
	StepID       string
	StepName     string
	GapVariables []string
	Relocalized  bool
}

// RunTurn implements Pipeline.
func (p *TemplatePipeline) RunTurn(ctx context.Context, tc *TurnContext) (*TurnResult, error) {
	if tc.CancelRequested != nil && tc.CancelRequested(ctx) {
		return nil, ErrAborted
	}

	data := templateData{
		Vars:    tc.Session.Variables,
		Message: combinedText(tc.Turn.Messages),
	}
	if data.Vars == nil {
		data.Vars = map[string]string{}
	}

	text := ""
	if tc.Scenario != nil && tc.Scenario.Step != nil {
		data.StepID = tc.Scenario.StepID
		data.StepName = tc.Scenario.Step.Name
		data.GapVariables = tc.Scenario.GapVariables
		data.Relocalized = tc.Scenario.Relocalized
		rendered, err := renderStep(tc.Scenario.Step, data)
		if err != nil {
			return nil, err
		}
		text = rendered
	}
	if text == "" {
		text = defaultReply(data)
	}

	return &TurnResult{
		Segments: []models.ResponseSegment{{Type: models.SegmentTypeText, Text: text}},
		State:    tc.Session,
	}, nil
}

func renderStep(step *models.Step, data templateData) (string, error) {
	if step.PromptTemplate == "" {
		return "", nil
	}
	tmpl, err := template.New(step.ID).Option("missingkey=zero").Parse(step.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse template for step %s: %w", step.ID, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render template for step %s: %w", step.ID, err)
	}
	return b.String(), nil
}

func defaultReply(data templateData) string {
	if len(data.GapVariables) > 0 {
		return fmt.Sprintf("Before we continue, I need: %s.", strings.Join(data.GapVariables, ", "))
	}
	return "Got it."
}

func combinedText(messages []models.RawMessage) string {
	parts := make([]string, 0, len(messages))
	for i := range messages {
		if messages[i].Text != "" {
			parts = append(parts, messages[i].Text)
		}
	}
	return strings.Join(parts, "\n")
}
