package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/codeready-toolchain/agentctl/internal/spawner"
)

// AgentYAML is one entry in agents.yaml: visibility and context requirements
// for the access-control rules.
type AgentYAML struct {
	Description     string `yaml:"description,omitempty"`
	Public          bool   `yaml:"public"`
	RequiresContext bool   `yaml:"requires_context"`
}

// AgentsYAMLConfig mirrors a YAML agent-config shape, trimmed to
// the one registry this orchestrator needs.
type AgentsYAMLConfig struct {
	Agents map[string]AgentYAML `yaml:"agents"`
}

// builtinAgents is the base agent set compiled into the binary, merged
// under any user-supplied agents file.
var builtinAgents = map[string]AgentYAML{
	"coordinator": {Description: "plans and delegates work to specialist agents", Public: true, RequiresContext: true},
}

// LoadAgentRegistry reads path (a missing file falls back to builtins
// only), expands environment variables, merges it over the built-in agent
// set (user entries win on name collision), and returns a ready
// spawner.AgentRegistry.
func LoadAgentRegistry(path string) (spawner.AgentRegistry, error) {
	merged := make(map[string]AgentYAML, len(builtinAgents))
	for name, a := range builtinAgents {
		merged[name] = a
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read agents file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(raw))
			var parsed AgentsYAMLConfig
			if err := yaml.Unmarshal([]byte(expanded), &parsed); err != nil {
				return nil, fmt.Errorf("config: parse agents file: %w", err)
			}
			for name, a := range parsed.Agents {
				merged[name] = a
			}
		}
	}

	registry := make(spawner.AgentRegistry, len(merged))
	for name, a := range merged {
		registry[name] = spawner.AgentInfo{
			Name:            name,
			Public:          a.Public,
			RequiresContext: a.RequiresContext,
		}
	}
	return registry, nil
}
