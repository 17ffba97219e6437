package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const testScenarioYAML = `
id: onboarding
version: 1
name: Onboarding
entry_step_id: welcome
steps:
  - id: welcome
    name: Welcome
    transitions:
      - to_step_id: done
        condition_text: wants to finish
  - id: done
    name: Done
    is_terminal: true
`

func setupTestConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeConfigFile(t, dir, "ruche.yaml", `
system:
  max_envelope_bytes: 1024

acf:
  aggregation:
    window_ms_default: {{.RUCHE_TEST_WINDOW_MS}}
    max_messages: 5

scenario_navigator:
  entry_threshold: 0.7

webhooks:
  require_https: false

tenants:
  acme:
    agents:
      support-bot:
        pipeline: template
        scenarios: [onboarding]
        channels:
          whatsapp:
            aggregation_window_ms: 5000
            strategy: CANCEL_IN_PROGRESS
`)
	writeConfigFile(t, dir, "scenarios/onboarding.yaml", testScenarioYAML)
	return dir
}

func TestInitialize(t *testing.T) {
	configDir := setupTestConfigDir(t)
	t.Setenv("RUCHE_TEST_WINDOW_MS", "1500")

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// User values override defaults; unset fields keep them.
	assert.Equal(t, 1024, cfg.System.MaxEnvelopeBytes)
	assert.Equal(t, 5*time.Minute, cfg.System.IdempotencyChatWindow)
	assert.Equal(t, 1500, cfg.ACF.Aggregation.WindowMsDefault)
	assert.Equal(t, 5, cfg.ACF.Aggregation.MaxMessages)
	assert.Equal(t, 256*1024, cfg.ACF.Aggregation.MaxBytes)
	assert.Equal(t, 0.7, cfg.Navigator.EntryThreshold)
	assert.Equal(t, 0.65, cfg.Navigator.TransitionThreshold)
	assert.False(t, cfg.Webhooks.HTTPSRequired())

	// The loader stamps parent ids the YAML shape leaves implicit.
	agent, err := cfg.Agent("acme", "support-bot")
	require.NoError(t, err)
	assert.Equal(t, "support-bot", agent.ID)
	assert.Equal(t, "acme", agent.TenantID)

	sc, err := cfg.Scenarios.Latest("onboarding")
	require.NoError(t, err)
	assert.Equal(t, 1, sc.Version)
	assert.Equal(t, "welcome", sc.EntryStepID)

	stats := cfg.Stats()
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 1, stats.Scenarios)
}

func TestInitialize_BareDirectoryUsesDefaults(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StrategyGroupRoundRobin, cfg.ACF.Concurrency.Strategy)
	assert.Equal(t, 3000, cfg.ACF.Aggregation.WindowMsDefault)
	assert.True(t, cfg.Webhooks.HTTPSRequired())
	assert.Equal(t, 0, cfg.Agents.Len())
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	// A sequence where the tenant map belongs fails to unmarshal.
	writeConfigFile(t, dir, "ruche.yaml", "tenants: [not, a, map]")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitialize_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	// The agent references a scenario that was never published.
	writeConfigFile(t, dir, "ruche.yaml", `
tenants:
  acme:
    agents:
      support-bot:
        scenarios: [missing-scenario]
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.Contains(t, err.Error(), "missing-scenario")
}

func TestLoadScenarios_SkipsNonYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "scenarios/onboarding.yaml", testScenarioYAML)
	writeConfigFile(t, dir, "scenarios/README.md", "not a scenario")

	scenarios, err := loadScenarios(filepath.Join(dir, "scenarios"))
	require.NoError(t, err)
	require.Len(t, scenarios, 1)
	assert.Equal(t, "onboarding", scenarios[0].ID)
}

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key: {{.API_KEY}}",
			env:   map[string]string{"API_KEY": "secret123"},
			want:  "api_key: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "literal $ passes through",
			input: "regex: ^secret.*$",
			want:  "regex: ^secret.*$",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: {{.MISSING_VAR}}",
			want:  "endpoint: ",
		},
		{
			name:  "multiple substitutions in one line",
			input: "url: {{.PROTO}}://{{.HOST}}",
			env:   map[string]string{"PROTO": "https", "HOST": "example.com"},
			want:  "url: https://example.com",
		},
		{
			name:  "malformed template passes through unchanged",
			input: "api_key: {{.API_KEY",
			env:   map[string]string{"API_KEY": "should-not-appear"},
			want:  "api_key: {{.API_KEY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}
