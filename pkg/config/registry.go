package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ruche-ai/ruche/pkg/models"
)

// AgentRegistry resolves (tenant, agent) to its configuration. The registry
// is replaced wholesale on hot reload; turns snapshot it at entry so updates
// apply at the next turn boundary.
type AgentRegistry struct {
	mu      sync.RWMutex
	tenants map[string]*TenantConfig
}

// NewAgentRegistry builds a registry from the loaded tenant map.
func NewAgentRegistry(tenants map[string]*TenantConfig) *AgentRegistry {
	if tenants == nil {
		tenants = make(map[string]*TenantConfig)
	}
	return &AgentRegistry{tenants: tenants}
}

// Tenant returns a tenant configuration.
func (r *AgentRegistry) Tenant(tenantID string) (*TenantConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %q not configured", tenantID)
	}
	return t, nil
}

// Agent returns the configuration for (tenant, agent).
func (r *AgentRegistry) Agent(tenantID, agentID string) (*AgentConfig, error) {
	t, err := r.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	a, ok := t.Agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q not configured for tenant %q", agentID, tenantID)
	}
	return a, nil
}

// Has reports whether (tenant, agent) is configured.
func (r *AgentRegistry) Has(tenantID, agentID string) bool {
	_, err := r.Agent(tenantID, agentID)
	return err == nil
}

// Replace swaps the full tenant map. Running turns keep their snapshot.
func (r *AgentRegistry) Replace(tenants map[string]*TenantConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = tenants
}

// Len returns the number of configured tenants.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}

// scenarioKey identifies one published scenario version.
type scenarioKey struct {
	id      string
	version int
}

// ScenarioRegistry holds published scenario versions. Old versions stay
// resolvable so reconciliation can diff a session's stored version against
// the latest.
type ScenarioRegistry struct {
	mu        sync.RWMutex
	scenarios map[scenarioKey]*models.Scenario
	latest    map[string]int
}

// NewScenarioRegistry builds a registry from the loaded scenarios.
func NewScenarioRegistry(scenarios []*models.Scenario) *ScenarioRegistry {
	r := &ScenarioRegistry{
		scenarios: make(map[scenarioKey]*models.Scenario),
		latest:    make(map[string]int),
	}
	for _, sc := range scenarios {
		r.publishLocked(sc)
	}
	return r
}

func (r *ScenarioRegistry) publishLocked(sc *models.Scenario) {
	r.scenarios[scenarioKey{sc.ID, sc.Version}] = sc
	if sc.Version > r.latest[sc.ID] {
		r.latest[sc.ID] = sc.Version
	}
}

// Publish registers a new scenario version. Sessions pick it up at their
// next turn boundary via reconciliation.
func (r *ScenarioRegistry) Publish(sc *models.Scenario) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(sc)
}

// Get returns a specific scenario version.
func (r *ScenarioRegistry) Get(id string, version int) (*models.Scenario, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scenarios[scenarioKey{id, version}]
	if !ok {
		return nil, fmt.Errorf("scenario %q version %d not published", id, version)
	}
	return sc, nil
}

// Latest returns the newest published version of a scenario.
func (r *ScenarioRegistry) Latest(id string) (*models.Scenario, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[id]
	if !ok {
		return nil, fmt.Errorf("scenario %q not published", id)
	}
	return r.scenarios[scenarioKey{id, v}], nil
}

// IDs returns the sorted set of published scenario ids.
func (r *ScenarioRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.latest))
	for id := range r.latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of published (id, version) pairs.
func (r *ScenarioRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scenarios)
}
