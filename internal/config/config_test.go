package config

import (
	"strings"
	"testing"

	"github.com/harun/autotrack/pkg/autotrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.TrackingID = "UA-12345-1"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, TransportHTTP, cfg.Transport.Kind)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Empty(t, cfg.Plugins)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := validConfig()
		cfg.Plugins = []autotrack.Require{{Name: "cleanUrlTracker"}, {Name: "maxScrollTracker"}}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing tracking id", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tracking_id is required")
	})

	t.Run("every problem is reported", func(t *testing.T) {
		cfg := validConfig()
		cfg.Storage.Backend = "redis"
		cfg.Transport.Endpoint = "ftp://collect"
		cfg.Logging.Level = "loud"
		cfg.Plugins = []autotrack.Require{{Name: "nope"}}

		err := cfg.Validate()
		require.Error(t, err)
		lines := strings.Split(err.Error(), "\n")
		assert.GreaterOrEqual(t, len(lines), 4)
		assert.Contains(t, err.Error(), "redis")
		assert.Contains(t, err.Error(), "ftp://collect")
		assert.Contains(t, err.Error(), "loud")
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("endpoint ignored unless http transport", func(t *testing.T) {
		cfg := validConfig()
		cfg.Transport.Kind = TransportLog
		cfg.Transport.Endpoint = "not a url"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("metrics need an address", func(t *testing.T) {
		cfg := validConfig()
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = ""
		assert.Error(t, cfg.Validate())
	})
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name  string
		check func() error
		ok    bool
	}{
		{"tracking id", func() error { return v.ValidateTrackingID("UA-12345-1") }, true},
		{"ga4 id rejected", func() error { return v.ValidateTrackingID("G-ABCDEF") }, false},
		{"sqlite backend", func() error { return v.ValidateBackend("sqlite") }, true},
		{"unknown backend", func() error { return v.ValidateBackend("redis") }, false},
		{"none transport", func() error { return v.ValidateTransportKind("none") }, true},
		{"empty endpoint", func() error { return v.ValidateEndpoint("") }, true},
		{"https endpoint", func() error { return v.ValidateEndpoint("https://collect.example/c") }, true},
		{"relative endpoint", func() error { return v.ValidateEndpoint("/collect") }, false},
		{"trace level", func() error { return v.ValidateLogLevel("trace") }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ok {
				assert.NoError(t, tt.check())
			} else {
				assert.Error(t, tt.check())
			}
		})
	}
}

func TestLoggingConfigLogger(t *testing.T) {
	l := LoggingConfig{Level: "debug", File: "/tmp/a.log", MaxSize: 5}.Logger()
	assert.Equal(t, "debug", l.Level)
	assert.Equal(t, 5, l.MaxSize)
	assert.True(t, l.Console)
}
