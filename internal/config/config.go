package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Version    string            `mapstructure:"version" yaml:"version"`
	Gateway    GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Log        LogConfig         `mapstructure:"log" yaml:"log"`
	Storage    StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Proxy      ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	Runtime    RuntimeConfig     `mapstructure:"runtime" yaml:"runtime"`
	Title      TitleConfig       `mapstructure:"title" yaml:"title"`
	Retention  RetentionConfig   `mapstructure:"retention" yaml:"retention"`
	Channels   []ChannelConfig   `mapstructure:"channels" yaml:"channels,omitempty"`
	Workspaces []WorkspaceConfig `mapstructure:"workspaces" yaml:"workspaces,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket gateway.
type GatewayConfig struct {
	Port int    `mapstructure:"port" yaml:"port"`
	Host string `mapstructure:"host" yaml:"host"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig configures the persistence layer.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// ProxyConfig configures the outbound proxy handed to agent runs.
// When URL is empty and UseEnvironment is true, the standard
// HTTPS_PROXY/HTTP_PROXY variables are consulted instead.
type ProxyConfig struct {
	URL            string `mapstructure:"url" yaml:"url,omitempty"`
	UseEnvironment bool   `mapstructure:"use_environment" yaml:"use_environment"`
}

// RuntimeConfig configures the external agent runtime.
type RuntimeConfig struct {
	// Binary is the agent runtime executable. Resolved via PATH when not absolute.
	Binary string `mapstructure:"binary" yaml:"binary"`
	// MinVersion is the minimum supported runtime version (semver).
	MinVersion string `mapstructure:"min_version" yaml:"min_version"`
	// WorkDir is the default working directory for runs. Empty means the
	// user home directory.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir,omitempty"`
	// PermissionMode controls how tool permission requests are handled:
	// "ask" (default), "allow-safe", or "deny-all".
	PermissionMode string `mapstructure:"permission_mode" yaml:"permission_mode"`
}

// TitleConfig configures asynchronous session title generation.
type TitleConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Model   string `mapstructure:"model" yaml:"model"`
}

// RetentionConfig configures the session retention sweeper.
type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// MaxAgeDays is the age after which idle sessions are pruned.
	MaxAgeDays int `mapstructure:"max_age_days" yaml:"max_age_days"`
	// Schedule is a cron expression for the sweep.
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// ChannelConfig describes one provider account (credential channel).
type ChannelConfig struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Name    string `mapstructure:"name" yaml:"name"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// APIKeySealed is the age-encrypted, base64-encoded API key.
	APIKeySealed string `mapstructure:"api_key_sealed" yaml:"api_key_sealed"`
	// DefaultModel is used when a session does not pin a model.
	DefaultModel string `mapstructure:"default_model" yaml:"default_model,omitempty"`
}

// WorkspaceConfig scopes runs to a working directory and a tool policy.
// A session created in a workspace runs there and never sees the tools the
// workspace disallows.
type WorkspaceConfig struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Name string `mapstructure:"name" yaml:"name,omitempty"`
	// Path is the working directory for runs in this workspace. Empty
	// falls back to the runtime-level work_dir.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
	// DisallowedTools lists tool names the runtime must not offer.
	DisallowedTools []string `mapstructure:"disallowed_tools" yaml:"disallowed_tools,omitempty"`
}

var (
	globalConfig *Config
	globalMu     sync.RWMutex
	loadedPath   string
)

// Load reads the configuration from the given path (or the default path when
// empty), applies defaults and environment overrides, and caches the result.
// A missing config file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("TETHER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	expandedPath, err := ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	viper.SetConfigFile(expandedPath)
	if err := viper.ReadInConfig(); err != nil {
		var parseErr viper.ConfigParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if _, statErr := os.Stat(expandedPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	globalConfig = &cfg
	loadedPath = expandedPath
	return &cfg, nil
}

// Get returns the cached configuration, or nil if Load has not run.
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}

// Path returns the path the configuration was loaded from.
func Path() string {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return loadedPath
}

// SaveTo writes the configuration as YAML to the given path. The write is
// atomic: a temp file in the same directory is renamed over the target.
func SaveTo(cfg *Config, path string) error {
	expandedPath, err := ExpandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path: %w", err)
	}

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, expandedPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Save writes the cached configuration back to the path it was loaded from.
func Save() error {
	globalMu.RLock()
	cfg := globalConfig
	path := loadedPath
	globalMu.RUnlock()

	if cfg == nil || path == "" {
		return errors.New("config not loaded")
	}
	return SaveTo(cfg, path)
}

// FindChannel returns the channel with the given id, or nil.
func (c *Config) FindChannel(id string) *ChannelConfig {
	for i := range c.Channels {
		if c.Channels[i].ID == id {
			return &c.Channels[i]
		}
	}
	return nil
}

// FindWorkspace returns the workspace with the given id, or nil.
func (c *Config) FindWorkspace(id string) *WorkspaceConfig {
	for i := range c.Workspaces {
		if c.Workspaces[i].ID == id {
			return &c.Workspaces[i]
		}
	}
	return nil
}

// RetentionMaxAge returns the retention window as a duration.
func (c *RetentionConfig) RetentionMaxAge() time.Duration {
	days := c.MaxAgeDays
	if days <= 0 {
		days = 90
	}
	return time.Duration(days) * 24 * time.Hour
}

// Reset clears the cached configuration and viper state. Test helper.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig = nil
	loadedPath = ""
	viper.Reset()
}
