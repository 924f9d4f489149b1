// Package config handles configuration loading for taskpilot.
// It supports XDG config paths, project-level overrides, and environment
// variables. A loaded Config is an immutable snapshot; the With* methods
// return modified copies.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/taskpilot/internal/toolregistry"
)

// ProjectConfigName is the project-level config file searched for upward
// from the working directory.
const ProjectConfigName = ".taskpilot.yaml"

// EnvPrefix prefixes environment overrides, e.g. TASKPILOT_ORCHESTRATOR_MAX_PARALLEL.
const EnvPrefix = "TASKPILOT"

// Config holds all configuration for taskpilot.
type Config struct {
	Root         string             `mapstructure:"root"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Bridge       BridgeConfig       `mapstructure:"bridge"`
	Log          LogConfig          `mapstructure:"log"`
}

// OrchestratorConfig holds control-loop settings.
type OrchestratorConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	MaxIterations int    `mapstructure:"max_iterations"`
	PreferredTool string `mapstructure:"preferred_tool"`
}

// ToolsConfig holds tool detection and invocation settings.
type ToolsConfig struct {
	Enabled      []string                 `mapstructure:"enabled"`
	Timeouts     map[string]time.Duration `mapstructure:"timeouts"`
	ProbeTimeout time.Duration            `mapstructure:"probe_timeout"`
}

// RetryConfig holds bridge retry settings.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// BridgeConfig holds subprocess limits.
type BridgeConfig struct {
	MaxBufferBytes int           `mapstructure:"max_buffer_bytes"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
}

// LogConfig holds execution and debug log settings.
type LogConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	Debug         bool   `mapstructure:"debug"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TASKPILOT_*)
// 2. Project config (.taskpilot.yaml in current directory or parent)
// 3. User config (~/.config/taskpilot/config.yaml)
// 4. Built-in defaults
func Load() (Config, error) {
	return load(getUserConfigDir(), findProjectConfig())
}

func load(userConfigDir, projectConfig string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return Config{}, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, err
	}
	if projectConfig != "" && !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(projectConfig), cfg.Root)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file plus environment
// overrides. A relative root is resolved against the file's directory.
func LoadFromPath(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)
	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, err
	}
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Orchestrator.MaxParallel < 1:
		return fmt.Errorf("orchestrator.max_parallel must be at least 1, got %d", c.Orchestrator.MaxParallel)
	case c.Orchestrator.MaxIterations < 1:
		return fmt.Errorf("orchestrator.max_iterations must be at least 1, got %d", c.Orchestrator.MaxIterations)
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	case c.Retry.BaseDelay <= 0:
		return fmt.Errorf("retry.base_delay must be positive")
	case c.Retry.MaxDelay < c.Retry.BaseDelay:
		return fmt.Errorf("retry.max_delay (%s) must not be below retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	case c.Bridge.MaxBufferBytes <= 0:
		return fmt.Errorf("bridge.max_buffer_bytes must be positive")
	case c.Bridge.GracePeriod < 0:
		return fmt.Errorf("bridge.grace_period must not be negative")
	}

	known := make(map[string]bool)
	for _, d := range toolregistry.Builtin() {
		known[d.Name] = true
	}
	for _, name := range c.Tools.Enabled {
		if !known[name] {
			return fmt.Errorf("tools.enabled: unknown tool %q", name)
		}
	}
	if p := c.Orchestrator.PreferredTool; p != "" && !known[p] {
		return fmt.Errorf("orchestrator.preferred_tool: unknown tool %q", p)
	}
	return nil
}

// LogDir returns the execution log directory, resolved against Root.
func (c Config) LogDir() string {
	if filepath.IsAbs(c.Log.Dir) {
		return c.Log.Dir
	}
	return filepath.Join(c.Root, c.Log.Dir)
}

// StateDir returns the directory for engine-private files.
func (c Config) StateDir() string {
	return filepath.Join(c.Root, ".taskpilot")
}

// clone returns a deep copy so With* methods never share maps or slices.
func (c Config) clone() Config {
	out := c
	out.Tools.Enabled = append([]string(nil), c.Tools.Enabled...)
	out.Tools.Timeouts = make(map[string]time.Duration, len(c.Tools.Timeouts))
	for k, v := range c.Tools.Timeouts {
		out.Tools.Timeouts[k] = v
	}
	return out
}

// WithRoot returns a copy rooted at root.
func (c Config) WithRoot(root string) Config {
	out := c.clone()
	out.Root = root
	return out
}

// WithMaxParallel returns a copy with the parallelism bound set to n.
func (c Config) WithMaxParallel(n int) Config {
	out := c.clone()
	out.Orchestrator.MaxParallel = n
	return out
}

// WithMaxIterations returns a copy with the iteration budget set to n.
func (c Config) WithMaxIterations(n int) Config {
	out := c.clone()
	out.Orchestrator.MaxIterations = n
	return out
}

// WithPreferredTool returns a copy preferring the named tool.
func (c Config) WithPreferredTool(name string) Config {
	out := c.clone()
	out.Orchestrator.PreferredTool = name
	return out
}

// WithEnabledTools returns a copy restricted to names.
func (c Config) WithEnabledTools(names []string) Config {
	out := c.clone()
	out.Tools.Enabled = append([]string(nil), names...)
	return out
}

// WithToolTimeout returns a copy overriding the timeout of one tool.
func (c Config) WithToolTimeout(name string, d time.Duration) Config {
	out := c.clone()
	out.Tools.Timeouts[name] = d
	return out
}

// WithRetry returns a copy with new retry settings.
func (c Config) WithRetry(r RetryConfig) Config {
	out := c.clone()
	out.Retry = r
	return out
}

// WithDebug returns a copy with the debug log toggled.
func (c Config) WithDebug(on bool) Config {
	out := c.clone()
	out.Log.Debug = on
	return out
}

// Save writes cfg to the user config file.
func Save(cfg Config) error {
	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(dir, "config.yaml"))
}

// SaveTo writes cfg to path.
func SaveTo(cfg Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)

	v.Set("root", cfg.Root)
	v.Set("orchestrator.max_parallel", cfg.Orchestrator.MaxParallel)
	v.Set("orchestrator.max_iterations", cfg.Orchestrator.MaxIterations)
	v.Set("orchestrator.preferred_tool", cfg.Orchestrator.PreferredTool)
	v.Set("tools.enabled", cfg.Tools.Enabled)
	for name, d := range cfg.Tools.Timeouts {
		v.Set("tools.timeouts."+name, d.String())
	}
	v.Set("tools.probe_timeout", cfg.Tools.ProbeTimeout.String())
	v.Set("retry.max_retries", cfg.Retry.MaxRetries)
	v.Set("retry.base_delay", cfg.Retry.BaseDelay.String())
	v.Set("retry.max_delay", cfg.Retry.MaxDelay.String())
	v.Set("bridge.max_buffer_bytes", cfg.Bridge.MaxBufferBytes)
	v.Set("bridge.grace_period", cfg.Bridge.GracePeriod.String())
	v.Set("log.dir", cfg.Log.Dir)
	v.Set("log.retention_days", cfg.Log.RetentionDays)
	v.Set("log.debug", cfg.Log.Debug)

	return v.WriteConfigAs(path)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("root", d.Root)

	v.SetDefault("orchestrator.max_parallel", d.Orchestrator.MaxParallel)
	v.SetDefault("orchestrator.max_iterations", d.Orchestrator.MaxIterations)
	v.SetDefault("orchestrator.preferred_tool", d.Orchestrator.PreferredTool)

	v.SetDefault("tools.enabled", d.Tools.Enabled)
	for name, t := range d.Tools.Timeouts {
		v.SetDefault("tools.timeouts."+name, t.String())
	}
	v.SetDefault("tools.probe_timeout", d.Tools.ProbeTimeout.String())

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay.String())
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay.String())

	v.SetDefault("bridge.max_buffer_bytes", d.Bridge.MaxBufferBytes)
	v.SetDefault("bridge.grace_period", d.Bridge.GracePeriod.String())

	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.retention_days", d.Log.RetentionDays)
	v.SetDefault("log.debug", d.Log.Debug)
}

// getUserConfigDir returns the XDG config directory for taskpilot.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskpilot")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskpilot")
	}
	return filepath.Join(home, ".config", "taskpilot")
}

// findProjectConfig searches for .taskpilot.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() Config {
	timeouts := make(map[string]time.Duration)
	var enabled []string
	for _, d := range toolregistry.Builtin() {
		timeouts[d.Name] = d.DefaultTimeout
		enabled = append(enabled, d.Name)
	}
	return Config{
		Root: ".",
		Orchestrator: OrchestratorConfig{
			MaxParallel:   1,
			MaxIterations: 5,
		},
		Tools: ToolsConfig{
			Enabled:      enabled,
			Timeouts:     timeouts,
			ProbeTimeout: toolregistry.DefaultProbeTimeout,
		},
		Retry: RetryConfig{
			MaxRetries: toolregistry.DefaultRetryBudget,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Bridge: BridgeConfig{
			MaxBufferBytes: 10 << 20,
			GracePeriod:    5 * time.Second,
		},
		Log: LogConfig{
			Dir:           filepath.Join(".taskpilot", "logs"),
			RetentionDays: 30,
		},
	}
}
