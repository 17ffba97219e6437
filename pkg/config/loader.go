package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ruche-ai/ruche/pkg/models"
)

// RucheYAMLConfig represents the complete ruche.yaml file structure.
type RucheYAMLConfig struct {
	System    *SystemConfig            `yaml:"system"`
	ACF       *ACFConfig               `yaml:"acf"`
	Navigator *NavigatorConfig         `yaml:"scenario_navigator"`
	Webhooks  *WebhookConfig           `yaml:"webhooks"`
	Tenants   map[string]*TenantConfig `yaml:"tenants"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load ruche.yaml and scenarios/*.yaml from configDir
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Build registries
//  5. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"tenants", stats.Tenants,
		"scenarios", stats.Scenarios)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	raw, err := loadRucheYAML(configDir)
	if err != nil {
		return nil, NewLoadError("ruche.yaml", err)
	}

	scenarios, err := loadScenarios(filepath.Join(configDir, "scenarios"))
	if err != nil {
		return nil, err
	}

	// Merge user values over built-in defaults (user wins, defaults fill).
	system := DefaultSystemConfig()
	if raw.System != nil {
		if err := mergo.Merge(system, raw.System, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging system config: %w", err)
		}
	}
	acf := DefaultACFConfig()
	if raw.ACF != nil {
		if err := mergo.Merge(acf, raw.ACF, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging acf config: %w", err)
		}
	}
	navigator := DefaultNavigatorConfig()
	if raw.Navigator != nil {
		if err := mergo.Merge(navigator, raw.Navigator, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging navigator config: %w", err)
		}
	}
	webhooks := DefaultWebhookConfig()
	if raw.Webhooks != nil {
		if err := mergo.Merge(webhooks, raw.Webhooks, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging webhook config: %w", err)
		}
	}

	// Stamp parent ids the YAML shape leaves implicit.
	for tenantID, tenant := range raw.Tenants {
		tenant.ID = tenantID
		for agentID, agent := range tenant.Agents {
			agent.ID = agentID
			agent.TenantID = tenantID
		}
	}

	return &Config{
		configDir: configDir,
		System:    system,
		ACF:       acf,
		Navigator: navigator,
		Webhooks:  webhooks,
		Agents:    NewAgentRegistry(raw.Tenants),
		Scenarios: NewScenarioRegistry(scenarios),
	}, nil
}

func loadRucheYAML(configDir string) (*RucheYAMLConfig, error) {
	path := filepath.Join(configDir, "ruche.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A bare deployment is legal: everything defaults, no tenants.
			return &RucheYAMLConfig{}, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var raw RucheYAMLConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &raw, nil
}

// loadScenarios reads every *.yaml file in the scenarios directory. Each file
// holds one scenario document.
func loadScenarios(dir string) ([]*models.Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewLoadError(dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var scenarios []*models.Scenario
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewLoadError(name, err)
		}
		var sc models.Scenario
		if err := yaml.Unmarshal(ExpandEnv(data), &sc); err != nil {
			return nil, NewLoadError(name, fmt.Errorf("parsing YAML: %w", err))
		}
		scenarios = append(scenarios, &sc)
	}
	return scenarios, nil
}
