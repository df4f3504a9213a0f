// Package config loads the autotrack command configuration from a JSON file
// and AUTOTRACK_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/harun/autotrack/internal/logger"
	"github.com/harun/autotrack/pkg/autotrack"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportLog  = "log"
	TransportNone = "none"
)

// Config represents the autotrack configuration
type Config struct {
	// TrackingID is the property hits are sent to, e.g. UA-12345-1.
	TrackingID string `json:"tracking_id" mapstructure:"tracking_id"`
	// ClientID is fixed for every tab when set; otherwise each run draws one.
	ClientID string `json:"client_id" mapstructure:"client_id"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Storage   StorageConfig       `json:"storage" mapstructure:"storage"`
	Transport TransportConfig     `json:"transport" mapstructure:"transport"`
	Browser   BrowserConfig       `json:"browser" mapstructure:"browser"`
	Plugins   []autotrack.Require `json:"plugins" mapstructure:"plugins"`
	Logging   LoggingConfig       `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig       `json:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig       `json:"tracing" mapstructure:"tracing"`
}

// StorageConfig selects where plugin state shared between tabs lives.
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // memory, file, sqlite
	// Path is a directory for the file backend and a database file for sqlite.
	Path         string        `json:"path" mapstructure:"path"`
	Quota        int           `json:"quota" mapstructure:"quota"` // bytes, memory backend only
	Settle       time.Duration `json:"settle" mapstructure:"settle"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
}

// TransportConfig holds hit delivery settings
type TransportConfig struct {
	Kind          string        `json:"kind" mapstructure:"kind"` // http, log, none
	Endpoint      string        `json:"endpoint" mapstructure:"endpoint"`
	UserAgent     string        `json:"user_agent" mapstructure:"user_agent"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryMax      int           `json:"retry_max" mapstructure:"retry_max"`
	RateLimit     float64       `json:"rate_limit" mapstructure:"rate_limit"` // hits per second
	RateBurst     int           `json:"rate_burst" mapstructure:"rate_burst"`
	CheckProtocol bool          `json:"check_protocol" mapstructure:"check_protocol"`
}

// BrowserConfig holds settings for driving a real Chrome.
type BrowserConfig struct {
	Headless   bool   `json:"headless" mapstructure:"headless"`
	NoSandbox  bool   `json:"no_sandbox" mapstructure:"no_sandbox"`
	ChromePath string `json:"chrome_path" mapstructure:"chrome_path"`
	ControlURL string `json:"control_url" mapstructure:"control_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	// AuditFile receives one JSON line per sent or dropped hit.
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// Logger converts the logging section for logger.New.
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:     l.Level,
		File:      l.File,
		Console:   true,
		Pretty:    l.Pretty,
		Redaction: l.Redaction,
		MaxSize:   l.MaxSize,
		MaxAge:    l.MaxAge,
		Compress:  l.Compress,
	}
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls OpenTelemetry spans around hit sends.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	// File receives finished spans as JSON lines.
	File string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:      BackendMemory,
			Settle:       50 * time.Millisecond,
			PollInterval: 250 * time.Millisecond,
		},
		Transport: TransportConfig{
			Kind:      TransportHTTP,
			Timeout:   10 * time.Second,
			RetryMax:  3,
			RateLimit: 2,
			RateBurst: 20,
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Plugins: []autotrack.Require{},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			ServiceName: "autotrack",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
