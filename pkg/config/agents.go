package config

import "github.com/ruche-ai/ruche/pkg/models"

// ChannelPolicy is the per-channel override block on an agent definition.
type ChannelPolicy struct {
	// AggregationWindowMs overrides the fabric-wide window for this channel.
	// nil keeps the default; 0 disables aggregation (real-time channels).
	AggregationWindowMs *int `yaml:"aggregation_window_ms,omitempty"`

	// Strategy overrides the supersede strategy for this channel.
	Strategy ConcurrencyStrategy `yaml:"strategy,omitempty"`
}

// ToolConfig registers a tool available to an agent's pipeline.
type ToolConfig struct {
	ID               string                  `yaml:"id"`
	Description      string                  `yaml:"description,omitempty"`
	SideEffectPolicy models.SideEffectPolicy `yaml:"side_effect_policy"`
	TimeoutMs        int                     `yaml:"timeout_ms,omitempty"`
}

// AgentConfig defines one conversational agent within a tenant.
type AgentConfig struct {
	ID       string `yaml:"id"`
	TenantID string `yaml:"-"` // filled by the loader from the parent tenant

	// Pipeline names the cognitive pipeline implementation to run.
	Pipeline string `yaml:"pipeline,omitempty"`

	// Channels maps channel tag to its policy overrides.
	Channels map[string]*ChannelPolicy `yaml:"channels,omitempty"`

	// Scenarios lists scenario ids published for this agent.
	Scenarios []string `yaml:"scenarios,omitempty"`

	// Tools registered for this agent.
	Tools []ToolConfig `yaml:"tools,omitempty"`
}

// StrategyFor resolves the effective supersede strategy for a channel.
func (a *AgentConfig) StrategyFor(channel string, fallback ConcurrencyStrategy) ConcurrencyStrategy {
	if p, ok := a.Channels[channel]; ok && p.Strategy != "" {
		return p.Strategy
	}
	return fallback
}

// AggregationWindowFor resolves the channel aggregation window override.
// The second return is false when the agent has no override for the channel.
func (a *AgentConfig) AggregationWindowFor(channel string) (int, bool) {
	if p, ok := a.Channels[channel]; ok && p.AggregationWindowMs != nil {
		return *p.AggregationWindowMs, true
	}
	return 0, false
}

// TenantConfig defines one tenant and its agents.
type TenantConfig struct {
	ID string `yaml:"id"`

	// AutoLinkIdentities enables cross-channel identity auto-linking by
	// normalized phone/email. Default enabled.
	AutoLinkIdentities *bool `yaml:"auto_link_identities,omitempty"`

	Agents map[string]*AgentConfig `yaml:"agents"`
}

// AutoLink resolves the auto-link flag with its default.
func (t *TenantConfig) AutoLink() bool {
	if t.AutoLinkIdentities == nil {
		return true
	}
	return *t.AutoLinkIdentities
}
