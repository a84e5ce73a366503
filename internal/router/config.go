package router

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/relay/internal/models"
)

// CurrentVersion is the capability table format understood by this build.
const CurrentVersion = "1"

// Config is the agent capability table: keyword lists per agent type and the
// fixed priority order used when the current assignment does not match.
type Config struct {
	// Version identifies the table revision.
	Version string `yaml:"version"`
	// Priority is the scan order for routing decisions.
	Priority []models.AgentType `yaml:"priority"`
	// Agents maps each agent type to its ordered keyword list.
	Agents map[models.AgentType][]string `yaml:"agents"`
}

// DefaultConfig returns the built-in capability table.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Priority: []models.AgentType{
			models.AgentFrontend,
			models.AgentBackend,
			models.AgentDesigner,
			models.AgentTester,
			models.AgentProjectManager,
		},
		Agents: map[models.AgentType][]string{
			models.AgentFrontend: {
				"frontend", "component", "components", "react", "ui", "interface",
				"css", "html", "page", "client", "view",
			},
			models.AgentBackend: {
				"backend", "api", "server", "database", "endpoint", "endpoints",
				"service", "rest", "graphql", "storage",
			},
			models.AgentDesigner: {
				"design", "designer", "mockup", "wireframe", "ux", "layout",
				"prototype", "branding", "style",
			},
			models.AgentTester: {
				"test", "tests", "testing", "qa", "verify", "verification", "e2e", "validate",
			},
			models.AgentProjectManager: {
				"plan", "planning", "coordinate", "requirements", "roadmap",
				"project", "scope", "milestone",
			},
		},
	}
}

// LoadConfig loads a capability table from a YAML file. A missing file yields
// the built-in table.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading routing table: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing routing table: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing table: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes a capability table to a YAML file, creating parent
// directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling routing table: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing routing table: %w", err)
	}
	return nil
}

// Validate checks that the table is complete and consistent.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported version %q, expected %q", c.Version, CurrentVersion)
	}

	seen := make(map[models.AgentType]bool, len(c.Priority))
	for _, agent := range c.Priority {
		if !agent.Valid() {
			return fmt.Errorf("unknown agent %q in priority", agent)
		}
		if seen[agent] {
			return fmt.Errorf("agent %q listed twice in priority", agent)
		}
		seen[agent] = true
	}
	for _, agent := range models.AllAgents {
		if !seen[agent] {
			return fmt.Errorf("priority must list agent %q", agent)
		}
	}

	for agent, keywords := range c.Agents {
		if !agent.Valid() {
			return fmt.Errorf("unknown agent %q in keyword table", agent)
		}
		for _, kw := range keywords {
			if kw == "" {
				return fmt.Errorf("agent %q has an empty keyword", agent)
			}
		}
	}
	return nil
}

// Keywords returns the keyword list for an agent type.
func (c *Config) Keywords(agent models.AgentType) []string {
	return c.Agents[agent]
}
