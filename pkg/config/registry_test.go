package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/ruche/pkg/models"
)

func TestAgentRegistry(t *testing.T) {
	reg := NewAgentRegistry(map[string]*TenantConfig{
		"acme": {ID: "acme", Agents: map[string]*AgentConfig{
			"support-bot": {ID: "support-bot", TenantID: "acme"},
		}},
	})

	agent, err := reg.Agent("acme", "support-bot")
	require.NoError(t, err)
	assert.Equal(t, "support-bot", agent.ID)

	_, err = reg.Agent("acme", "ghost")
	assert.Error(t, err)
	_, err = reg.Tenant("initech")
	assert.Error(t, err)

	assert.True(t, reg.Has("acme", "support-bot"))
	assert.False(t, reg.Has("acme", "ghost"))
	assert.Equal(t, 1, reg.Len())

	// Replace swaps the map wholesale.
	reg.Replace(map[string]*TenantConfig{
		"initech": {ID: "initech", Agents: map[string]*AgentConfig{"tps": {ID: "tps"}}},
	})
	assert.False(t, reg.Has("acme", "support-bot"))
	assert.True(t, reg.Has("initech", "tps"))
}

func TestScenarioRegistry_VersionsStayResolvable(t *testing.T) {
	v1 := &models.Scenario{ID: "onboarding", Version: 1, EntryStepID: "a",
		Steps: []*models.Step{{ID: "a", Name: "A"}}}
	reg := NewScenarioRegistry([]*models.Scenario{v1})

	v2 := &models.Scenario{ID: "onboarding", Version: 2, EntryStepID: "a",
		Steps: []*models.Step{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}}
	reg.Publish(v2)

	latest, err := reg.Latest("onboarding")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	// The superseded version remains resolvable for reconciliation diffs.
	old, err := reg.Get("onboarding", 1)
	require.NoError(t, err)
	assert.Len(t, old.Steps, 1)

	_, err = reg.Get("onboarding", 3)
	assert.Error(t, err)
	_, err = reg.Latest("ghost")
	assert.Error(t, err)

	assert.Equal(t, []string{"onboarding"}, reg.IDs())
	assert.Equal(t, 2, reg.Len())
}

func TestSnapshot_ResolvesPerTurnView(t *testing.T) {
	window := 5000
	cfg := validConfig()
	cfg.Agents.tenants["acme"].Agents["support-bot"].Channels = map[string]*ChannelPolicy{
		"whatsapp": {AggregationWindowMs: &window, Strategy: StrategyCancelInProgress},
	}

	snap, err := cfg.SnapshotFor("acme", "support-bot")
	require.NoError(t, err)
	assert.Equal(t, "support-bot", snap.Agent.ID)

	_, err = cfg.SnapshotFor("acme", "ghost")
	assert.Error(t, err)

	// Agent channel override beats the fabric per-channel override, which
	// beats the default.
	assert.Equal(t, 5000, snap.AggregationWindowMs("whatsapp"))
	assert.Equal(t, 0, snap.AggregationWindowMs("web"))
	assert.Equal(t, cfg.ACF.Aggregation.WindowMsDefault, snap.AggregationWindowMs("sms"))

	assert.Equal(t, StrategyCancelInProgress, snap.StrategyFor("whatsapp"))
	assert.Equal(t, StrategyGroupRoundRobin, snap.StrategyFor("sms"))
}

func TestAggregationConfig_WindowFor(t *testing.T) {
	agg := DefaultACFConfig().Aggregation
	assert.Equal(t, 0, int(agg.WindowFor("web")))
	assert.Equal(t, 3000, int(agg.WindowFor("whatsapp").Milliseconds()))
}

func TestTenantConfig_AutoLinkDefault(t *testing.T) {
	tenant := &TenantConfig{}
	assert.True(t, tenant.AutoLink())

	off := false
	tenant.AutoLinkIdentities = &off
	assert.False(t, tenant.AutoLink())
}

func TestWebhookConfig_HTTPSRequiredDefault(t *testing.T) {
	cfg := DefaultWebhookConfig()
	assert.True(t, cfg.HTTPSRequired())

	off := false
	cfg.RequireHTTPS = &off
	assert.False(t, cfg.HTTPSRequired())
}
