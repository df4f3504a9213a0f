package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/harun/autotrack/pkg/autotrack"
)

// EnvPrefix prefixes every environment override, e.g. AUTOTRACK_TRACKING_ID.
const EnvPrefix = "AUTOTRACK"

// envKeys are the settings that can be overridden from the environment.
var envKeys = []string{
	"tracking_id",
	"client_id",
	"data_dir",
	"storage.backend",
	"storage.path",
	"transport.kind",
	"transport.endpoint",
	"logging.level",
	"logging.file",
	"metrics.enabled",
	"metrics.addr",
	"tracing.enabled",
	"tracing.file",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".autotrack", "autotrack.json")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the config file, when present, and applies environment
// overrides on top of DefaultConfig. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := newViper(configPath)
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := ValidateDocument(schemaLoader, data); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if data != nil {
		// Viper lowercases nested keys; plugin options are camelCase.
		var raw struct {
			Plugins []autotrack.Require `json:"plugins"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plugins: %w", err)
		}
		if raw.Plugins != nil {
			cfg.Plugins = raw.Plugins
		}
	}
	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillPaths derives unset paths from the data directory.
func (c *Config) fillPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".autotrack")
	}
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case BackendFile:
			c.Storage.Path = filepath.Join(c.DataDir, "storage")
		case BackendSQLite:
			c.Storage.Path = filepath.Join(c.DataDir, "autotrack.db")
		}
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "autotrack.log")
	}
	return nil
}

// Save writes cfg to the config file, creating its directory.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.Set("tracking_id", cfg.TrackingID)
	v.Set("client_id", cfg.ClientID)
	v.Set("data_dir", cfg.DataDir)
	v.Set("storage", cfg.Storage)
	v.Set("transport", cfg.Transport)
	v.Set("browser", cfg.Browser)
	v.Set("plugins", cfg.Plugins)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
