package config

import (
	"fmt"
	"net/url"
)

// validate checks the fully merged configuration. Called once at startup;
// failures abort the process.
func validate(cfg *Config) error {
	if err := validateACF(cfg.ACF); err != nil {
		return err
	}
	if err := validateNavigator(cfg.Navigator); err != nil {
		return err
	}
	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}
	if err := validateScenarios(cfg.Scenarios); err != nil {
		return err
	}
	return validateTenants(cfg)
}

func validateACF(acf *ACFConfig) error {
	if _, err := ParseConcurrencyStrategy(string(acf.Concurrency.Strategy)); err != nil {
		return NewValidationError("acf.concurrency", err.Error())
	}
	if acf.Concurrency.MaxRunsPerSession != 1 {
		return NewValidationError("acf.concurrency",
			fmt.Sprintf("max_runs_per_session must be 1, got %d", acf.Concurrency.MaxRunsPerSession))
	}
	if acf.Aggregation.WindowMsDefault < 0 {
		return NewValidationError("acf.aggregation", "window_ms_default must be >= 0")
	}
	if acf.Aggregation.MaxMessages <= 0 {
		return NewValidationError("acf.aggregation", "max_messages must be > 0")
	}
	if acf.Timeouts.BrainMs <= 0 || acf.Timeouts.TotalMs <= 0 {
		return NewValidationError("acf.timeouts", "brain_ms and total_ms must be > 0")
	}
	if acf.Timeouts.TotalMs < acf.Timeouts.BrainMs {
		return NewValidationError("acf.timeouts", "total_ms must be >= brain_ms")
	}
	if acf.Scheduler.WorkerCount <= 0 {
		return NewValidationError("acf.scheduler", "worker_count must be > 0")
	}
	return nil
}

func validateNavigator(nav *NavigatorConfig) error {
	for name, v := range map[string]float64{
		"entry_threshold":          nav.EntryThreshold,
		"transition_threshold":     nav.TransitionThreshold,
		"sanity_threshold":         nav.SanityThreshold,
		"relocalization_threshold": nav.RelocalizationThreshold,
	} {
		if v < 0 || v > 1 {
			return NewValidationError("scenario_navigator",
				fmt.Sprintf("%s must be within [0, 1], got %v", name, v))
		}
	}
	if nav.MinMargin < 0 {
		return NewValidationError("scenario_navigator", "min_margin must be >= 0")
	}
	if nav.MaxLoopIterations <= 0 || nav.LoopDetectionWindow <= 0 {
		return NewValidationError("scenario_navigator",
			"max_loop_iterations and loop_detection_window must be > 0")
	}
	return nil
}

func validateWebhooks(wh *WebhookConfig) error {
	if wh.BackoffFactor < 1 {
		return NewValidationError("webhooks", "backoff_factor must be >= 1")
	}
	if wh.MaxRetries < 0 {
		return NewValidationError("webhooks", "max_retries must be >= 0")
	}
	if wh.FailureThreshold <= 0 {
		return NewValidationError("webhooks", "failure_threshold must be > 0")
	}
	return nil
}

// validateScenarios enforces the graph invariants: the entry step is a
// member of steps, and every transition target resolves within the same
// scenario version.
func validateScenarios(reg *ScenarioRegistry) error {
	for _, id := range reg.IDs() {
		sc, err := reg.Latest(id)
		if err != nil {
			return err
		}
		section := fmt.Sprintf("scenario %q v%d", sc.ID, sc.Version)
		if len(sc.Steps) == 0 {
			return NewValidationError(section, "scenario has no steps")
		}
		if sc.EntryStep() == nil {
			return NewValidationError(section,
				fmt.Sprintf("entry_step_id %q is not a member of steps", sc.EntryStepID))
		}
		seen := make(map[string]bool, len(sc.Steps))
		for _, step := range sc.Steps {
			if step.ID == "" {
				return NewValidationError(section, "step with empty id")
			}
			if seen[step.ID] {
				return NewValidationError(section, fmt.Sprintf("duplicate step id %q", step.ID))
			}
			seen[step.ID] = true
		}
		for _, step := range sc.Steps {
			for _, tr := range step.Transitions {
				if sc.Step(tr.ToStepID) == nil {
					return NewValidationError(section,
						fmt.Sprintf("step %q transition targets unknown step %q", step.ID, tr.ToStepID))
				}
			}
		}
	}
	return nil
}

func validateTenants(cfg *Config) error {
	for _, tenantID := range tenantIDs(cfg.Agents) {
		tenant, err := cfg.Agents.Tenant(tenantID)
		if err != nil {
			return err
		}
		if len(tenant.Agents) == 0 {
			return NewValidationError("tenants", fmt.Sprintf("tenant %q has no agents", tenantID))
		}
		for agentID, agent := range tenant.Agents {
			section := fmt.Sprintf("tenant %q agent %q", tenantID, agentID)
			for channel, policy := range agent.Channels {
				if policy.Strategy != "" {
					if _, err := ParseConcurrencyStrategy(string(policy.Strategy)); err != nil {
						return NewValidationError(section,
							fmt.Sprintf("channel %q: %v", channel, err))
					}
				}
			}
			for _, scID := range agent.Scenarios {
				if _, err := cfg.Scenarios.Latest(scID); err != nil {
					return NewValidationError(section,
						fmt.Sprintf("references unpublished scenario %q", scID))
				}
			}
			for _, tool := range agent.Tools {
				if tool.ID == "" {
					return NewValidationError(section, "tool with empty id")
				}
				switch tool.SideEffectPolicy {
				case "none", "reversible", "irreversible":
				default:
					return NewValidationError(section,
						fmt.Sprintf("tool %q has unknown side_effect_policy %q", tool.ID, tool.SideEffectPolicy))
				}
			}
		}
	}
	return nil
}

func tenantIDs(reg *AgentRegistry) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.tenants))
	for id := range reg.tenants {
		ids = append(ids, id)
	}
	return ids
}

// ValidateSubscriptionURL checks a webhook subscription URL against the
// HTTPS requirement.
func ValidateSubscriptionURL(raw string, requireHTTPS bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if requireHTTPS {
			return fmt.Errorf("https is required, got %q", raw)
		}
		return nil
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
