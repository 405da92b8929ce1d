// Package config handles Patchboard router configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./patchboard.yaml, ~/.config/patchboard/patchboard.yaml, /config/patchboard.yaml, /etc/patchboard/patchboard.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"patchboard.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "patchboard", "patchboard.yaml"))
	}

	paths = append(paths, "/config/patchboard.yaml") // Container convention
	paths = append(paths, "/etc/patchboard/patchboard.yaml")
	return paths
}

// searchPathsFunc is DefaultSearchPaths by default; tests override it to
// avoid matching real config files on the developer/CI machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all Patchboard router configuration.
type Config struct {
	ProjectDir string       `yaml:"project_dir"`
	Router     RouterConfig `yaml:"router"`
	Snapshot   SnapshotCfg  `yaml:"snapshot"`
	Dashboard  DashboardCfg `yaml:"dashboard"`
	LogLevel   string       `yaml:"log_level"`
}

// RouterConfig controls the delivery loop's timing and policy.
type RouterConfig struct {
	// DelaySeconds is the sleep between main-loop ticks.
	DelaySeconds float64 `yaml:"delay_seconds"`
	// MaxDeliveriesPerTick caps how many copy operations one tick performs.
	MaxDeliveriesPerTick int `yaml:"max_deliveries_per_tick"`
	// DiscardUnrouted controls whether unrouted messages are deleted.
	DiscardUnrouted bool `yaml:"discard_unrouted"`
}

// SnapshotCfg controls the operator-debugging snapshot store
// (internal/snapshot), separate from events.jsonl-based recovery.
type SnapshotCfg struct {
	// EveryTicks is how often (in main-loop ticks) a snapshot is taken.
	// Zero (unset) is replaced by the default of 120; a negative value
	// disables snapshotting.
	EveryTicks int    `yaml:"every_ticks"`
	DBPath     string `yaml:"db_path"`
}

// DashboardCfg controls the optional websocket event stream.
type DashboardCfg struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}) — a convenience for
	// container deployments; values can also go directly in the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.ProjectDir == "" {
		c.ProjectDir = "./patchboard-project"
	}
	if c.Router.DelaySeconds == 0 {
		c.Router.DelaySeconds = 0.5
	}
	if c.Router.MaxDeliveriesPerTick == 0 {
		c.Router.MaxDeliveriesPerTick = 500
	}
	// DiscardUnrouted is left at its YAML zero value (false) here: a
	// loaded config that omits the key keeps the conservative "leave it
	// in place" behavior, since a decoded bool can't distinguish "key
	// absent" from "explicitly false". Default() is the only path that
	// turns it on by default, for a fresh project with no config file
	// at all. See SPEC_FULL.md §6 for why this diverges from the
	// documented default of true once a config file exists.
	if c.Snapshot.EveryTicks == 0 {
		c.Snapshot.EveryTicks = 120
	}
	if c.Snapshot.DBPath == "" {
		c.Snapshot.DBPath = filepath.Join(c.ProjectDir, "snapshots.db")
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 7777
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Router.DelaySeconds <= 0 {
		return fmt.Errorf("router.delay_seconds must be positive, got %v", c.Router.DelaySeconds)
	}
	if c.Router.MaxDeliveriesPerTick < 0 {
		return fmt.Errorf("router.max_deliveries_per_tick must be >= 0, got %d", c.Router.MaxDeliveriesPerTick)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port %d out of range (1-65535)", c.Dashboard.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration rooted at the given project
// directory. All defaults are already applied.
func Default(projectDir string) *Config {
	cfg := &Config{
		ProjectDir: projectDir,
		Router: RouterConfig{
			DiscardUnrouted: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
