// Package config loads daemon configuration from file, environment and
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fentz26/relay/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_SERVER_LISTEN.
const EnvPrefix = "RELAY"

// Config holds all configuration for the Relay daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "sqlite" or "file".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// Dir holds one JSON snapshot per workflow for the file driver.
	Dir string `mapstructure:"dir"`
	// CacheSize is the number of workflow snapshots kept in memory; 0
	// disables the cache.
	CacheSize int `mapstructure:"cache_size"`
}

// RoutingConfig points at the agent capability table.
type RoutingConfig struct {
	// Table is a YAML routing table; empty selects the built-in one.
	Table string `mapstructure:"table"`
}

// TimeoutsConfig holds the default task budget per agent.
type TimeoutsConfig struct {
	ProjectManager time.Duration `mapstructure:"project_manager"`
	Designer       time.Duration `mapstructure:"designer"`
	Frontend       time.Duration `mapstructure:"frontend"`
	Backend        time.Duration `mapstructure:"backend"`
	Tester         time.Duration `mapstructure:"tester"`
}

// Load reads configuration. An explicit path must exist; otherwise relay.yaml
// is looked up in ~/.relay and the working directory and may be absent.
// Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(relayHome())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Store.Dir = expandHome(cfg.Store.Dir)
	cfg.Routing.Table = expandHome(cfg.Routing.Table)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Store.Dir = expandHome(cfg.Store.Dir)
	return cfg
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "file":
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want sqlite or file)", c.Store.Driver)
	}
	if c.Store.CacheSize < 0 {
		return errors.New("store.cache_size must not be negative")
	}
	for agent, d := range c.agentDurations() {
		if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative", agent)
		}
	}
	return nil
}

func (c *Config) agentDurations() map[models.AgentType]time.Duration {
	return map[models.AgentType]time.Duration{
		models.AgentProjectManager: c.Timeouts.ProjectManager,
		models.AgentDesigner:       c.Timeouts.Designer,
		models.AgentFrontend:       c.Timeouts.Frontend,
		models.AgentBackend:        c.Timeouts.Backend,
		models.AgentTester:         c.Timeouts.Tester,
	}
}

// AgentTimeouts returns the per-agent budgets in milliseconds.
func (c *Config) AgentTimeouts() map[models.AgentType]int64 {
	out := make(map[models.AgentType]int64, len(models.AllAgents))
	for agent, d := range c.agentDurations() {
		out[agent] = d.Milliseconds()
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:7470")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "~/.relay/relay.db")
	v.SetDefault("store.dir", "~/.relay/workflows")
	v.SetDefault("store.cache_size", 256)

	v.SetDefault("routing.table", "")

	v.SetDefault("timeouts.project_manager", "5m")
	v.SetDefault("timeouts.designer", "10m")
	v.SetDefault("timeouts.frontend", "30m")
	v.SetDefault("timeouts.backend", "30m")
	v.SetDefault("timeouts.tester", "15m")
}

func relayHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
