package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"

	"github.com/harun/autotrack/pkg/autotrack"
)

var trackingIDPattern = regexp.MustCompile(`^UA-\d{4,10}-\d{1,4}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTrackingID checks the UA-XXXX-Y property format.
func (v *Validator) ValidateTrackingID(id string) error {
	if id == "" {
		return fmt.Errorf("tracking_id is required")
	}
	if !trackingIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tracking_id %q (expected UA-XXXX-Y)", id)
	}
	return nil
}

// ValidateBackend checks a storage backend name.
func (v *Validator) ValidateBackend(backend string) error {
	valid := []string{BackendMemory, BackendFile, BackendSQLite}
	if !slices.Contains(valid, backend) {
		return fmt.Errorf("invalid storage backend %q (must be: memory, file, sqlite)", backend)
	}
	return nil
}

// ValidateTransportKind checks a transport kind.
func (v *Validator) ValidateTransportKind(kind string) error {
	valid := []string{TransportHTTP, TransportLog, TransportNone}
	if !slices.Contains(valid, kind) {
		return fmt.Errorf("invalid transport kind %q (must be: http, log, none)", kind)
	}
	return nil
}

// ValidateEndpoint accepts an empty endpoint (the default collect URL) or
// an absolute http(s) URL.
func (v *Validator) ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid transport endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid transport endpoint %q (must be an absolute http(s) URL)", endpoint)
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	valid := []string{"trace", "debug", "info", "warn", "error"}
	if !slices.Contains(valid, level) {
		return fmt.Errorf("invalid log level %q (must be: trace, debug, info, warn, error)", level)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateTrackingID(cfg.TrackingID))
	add(v.ValidateBackend(cfg.Storage.Backend))
	if cfg.Storage.Quota < 0 {
		add(fmt.Errorf("storage quota cannot be negative"))
	}

	add(v.ValidateTransportKind(cfg.Transport.Kind))
	if cfg.Transport.Kind == TransportHTTP {
		add(v.ValidateEndpoint(cfg.Transport.Endpoint))
	}
	if cfg.Transport.RateLimit < 0 || cfg.Transport.RateBurst < 0 {
		add(fmt.Errorf("transport rate limit and burst cannot be negative"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		add(fmt.Errorf("metrics addr is required when metrics are enabled"))
	}

	if len(cfg.Plugins) > 0 {
		add(autotrack.Validate(autotrack.DefaultRegistry(), cfg.Plugins))
	}
	return errs
}
