// Package transport delivers encoded hits.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/rs/zerolog"
)

// DefaultEndpoint is the Measurement Protocol collection URL.
const DefaultEndpoint = "https://www.google-analytics.com/collect"

// HTTPConfig configures an HTTP transport.
type HTTPConfig struct {
	Endpoint     string
	UserAgent    string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       zerolog.Logger
}

// HTTP posts each hit's payload to a collection endpoint, retrying
// connection errors and 5xx responses.
type HTTP struct {
	endpoint  string
	userAgent string
	client    *retryablehttp.Client
	logger    zerolog.Logger
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "autotrack-go/1.0"
	}

	logger := cfg.Logger.With().Str("component", "transport.http").Logger()

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = leveledLogger{logger}

	return &HTTP{
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		client:    client,
		logger:    logger,
	}
}

// Send posts h.Payload as the request body.
func (t *HTTP) Send(ctx context.Context, h tracker.Hit) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(h.Payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send hit: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collection endpoint returned %s", resp.Status)
	}

	t.logger.Debug().
		Str("hit_type", h.HitType).
		Str("transport", h.TransportMethod).
		Msg("Hit delivered")
	return nil
}

// leveledLogger routes retryablehttp's logging through zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log(l.logger.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log(l.logger.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log(l.logger.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log(l.logger.Trace(), msg, kv) }

func (l leveledLogger) log(ev *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
