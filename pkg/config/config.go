package config

// Config is the umbrella configuration object returned by Initialize and
// injected at startup. Registries support hot reload; everything else is
// immutable after load.
type Config struct {
	configDir string

	System    *SystemConfig
	ACF       *ACFConfig
	Navigator *NavigatorConfig
	Webhooks  *WebhookConfig

	Agents    *AgentRegistry
	Scenarios *ScenarioRegistry
}

// Stats contains statistics about loaded configuration.
type Stats struct {
	Tenants   int
	Scenarios int
}

// Stats returns configuration statistics for logging.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Agents != nil {
		s.Tenants = c.Agents.Len()
	}
	if c.Scenarios != nil {
		s.Scenarios = c.Scenarios.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }

// Agent is a convenience wrapper around Agents.Agent.
func (c *Config) Agent(tenantID, agentID string) (*AgentConfig, error) {
	return c.Agents.Agent(tenantID, agentID)
}

// Snapshot captures the per-turn view of configuration. Turns load one at
// entry; registry replacements apply at the next turn boundary.
type Snapshot struct {
	System    *SystemConfig
	ACF       *ACFConfig
	Navigator *NavigatorConfig
	Webhooks  *WebhookConfig
	Agent     *AgentConfig
	Tenant    *TenantConfig
}

// SnapshotFor resolves the frozen view for (tenant, agent).
func (c *Config) SnapshotFor(tenantID, agentID string) (*Snapshot, error) {
	tenant, err := c.Agents.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	agent, err := c.Agents.Agent(tenantID, agentID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		System:    c.System,
		ACF:       c.ACF,
		Navigator: c.Navigator,
		Webhooks:  c.Webhooks,
		Agent:     agent,
		Tenant:    tenant,
	}, nil
}

// AggregationWindowMs resolves the effective window for the snapshot's
// channel, applying the agent override over the fabric default.
func (s *Snapshot) AggregationWindowMs(channel string) int {
	if ms, ok := s.Agent.AggregationWindowFor(channel); ok {
		return ms
	}
	if ms, ok := s.ACF.Aggregation.PerChannelOverrides[channel]; ok {
		return ms
	}
	return s.ACF.Aggregation.WindowMsDefault
}

// StrategyFor resolves the effective supersede strategy for a channel.
func (s *Snapshot) StrategyFor(channel string) ConcurrencyStrategy {
	return s.Agent.StrategyFor(channel, s.ACF.Concurrency.Strategy)
}
