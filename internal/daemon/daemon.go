// Package daemon wires configuration into running trackers: it opens the
// shared storage backend, builds the transport, and attaches the configured
// plugins to every tab it is handed.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/harun/autotrack/internal/config"
	"github.com/harun/autotrack/internal/observability"
	"github.com/harun/autotrack/internal/tracing"
	"github.com/harun/autotrack/pkg/autotrack"
	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/storage"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/harun/autotrack/pkg/transport"
)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithTransport replaces the configured transport.
func WithTransport(t tracker.Transport) Option {
	return func(d *Daemon) { d.transport = t }
}

// WithClock replaces the wall clock, for scripted runs.
func WithClock(c clock.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// WithRegistry replaces the bundled plugin registry.
func WithRegistry(r *plugin.Registry) Option {
	return func(d *Daemon) { d.registry = r }
}

// WithBackend replaces the configured storage backend. The daemon still
// closes it on Stop.
func WithBackend(b storage.Backend) Option {
	return func(d *Daemon) { d.backend = b }
}

// Daemon owns everything shared between tabs.
type Daemon struct {
	config    *config.Config
	logger    zerolog.Logger
	clock     clock.Clock
	registry  *plugin.Registry
	backend   storage.Backend
	transport tracker.Transport
	clientID  string

	metricsSrv *http.Server
	metricsLn  net.Listener
	started    time.Time

	mu      sync.Mutex
	tabs    map[string]*Tab
	stopped bool
}

// Status is a snapshot of the daemon.
type Status struct {
	Uptime   time.Duration
	Tabs     int
	Backend  string
	ClientID string
	Metrics  string
}

// New validates cfg and builds the storage backend and transport.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		config:   cfg,
		logger:   logger.With().Str("component", "daemon").Logger(),
		clock:    clock.Real(),
		registry: autotrack.DefaultRegistry(),
		clientID: cfg.ClientID,
		tabs:     make(map[string]*Tab),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clientID == "" {
		d.clientID = uuid.NewString()
	}

	if d.backend == nil {
		backend, err := openBackend(cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
		d.backend = backend
	}
	if d.transport == nil {
		d.transport = NewTransport(cfg.Transport, logger)
	}
	return d, nil
}

func openBackend(cfg config.StorageConfig, logger zerolog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		b, err := storage.OpenFile(storage.FileConfig{Dir: cfg.Path, Settle: cfg.Settle, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open file storage: %w", err)
		}
		return b, nil
	case config.BackendSQLite:
		b, err := storage.OpenSQLite(storage.SQLiteConfig{Path: cfg.Path, PollInterval: cfg.PollInterval, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return b, nil
	default:
		return storage.NewMemory(cfg.Quota), nil
	}
}

// NewTransport builds the transport named by cfg.Kind.
func NewTransport(cfg config.TransportConfig, logger zerolog.Logger) tracker.Transport {
	switch cfg.Kind {
	case config.TransportLog:
		return transport.NewLog(logger)
	case config.TransportNone:
		return transport.Discard{}
	default:
		return transport.NewHTTP(transport.HTTPConfig{
			Endpoint:  cfg.Endpoint,
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.Timeout,
			RetryMax:  cfg.RetryMax,
			Logger:    logger,
		})
	}
}

// Start brings up tracing, the audit trail and the metrics endpoint as
// configured.
func (d *Daemon) Start(ctx context.Context) error {
	d.started = d.clock.Now()

	if d.config.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    d.config.Tracing.ServiceName,
			ServiceVersion: autotrack.Version,
			SampleRatio:    d.config.Tracing.SampleRatio,
			File:           d.config.Tracing.File,
		}); err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
	}
	if d.config.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(d.config.Logging.AuditFile); err != nil {
			return fmt.Errorf("failed to open audit file: %w", err)
		}
	}
	if d.config.Metrics.Enabled {
		if err := d.startMetrics(); err != nil {
			return err
		}
	}

	d.logger.Info().
		Str("tracking_id", d.config.TrackingID).
		Str("storage", d.config.Storage.Backend).
		Str("transport", d.config.Transport.Kind).
		Int("plugins", len(d.config.Plugins)).
		Msg("Daemon started")
	return nil
}

func (d *Daemon) startMetrics() error {
	ln, err := net.Listen("tcp", d.config.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	d.metricsLn = ln
	d.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	d.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return nil
}

// Sync waits until storage changes made so far have reached every tab.
// Backends without pending deliveries return at once.
func (d *Daemon) Sync() {
	if s, ok := d.backend.(interface{ Sync() }); ok {
		s.Sync()
	}
}

// Tab is one page with a tracker and the configured plugins attached.
type Tab struct {
	ID       string
	Page     page.Page
	Tracker  *tracker.Tracker
	Hub      *storage.Hub
	Instance *autotrack.Instance

	daemon *Daemon
	once   sync.Once
}

// OpenTab attaches a tracker and the configured plugins to p.
func (d *Daemon) OpenTab(p page.Page) (*Tab, error) {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return nil, errors.New("daemon stopped")
	}

	id, err := gonanoid.New(10)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tab id: %w", err)
	}
	logger := d.logger.With().Str("tab", id).Logger()

	fields := hit.Fields{"title": p.Title()}
	if loc := p.Location(); loc != nil {
		fields["location"] = loc.String()
	}
	t := tracker.New(d.config.TrackingID, tracker.Options{
		ClientID:      d.clientID,
		Fields:        fields,
		Transport:     d.transport,
		Logger:        logger,
		Clock:         d.clock,
		RateLimit:     rate.Limit(d.config.Transport.RateLimit),
		RateBurst:     d.config.Transport.RateBurst,
		CheckProtocol: d.config.Transport.CheckProtocol,
	})

	hub := storage.NewHub(d.backend, logger)
	inst, err := autotrack.Attach(d.registry, t, plugin.EnvFor(p, hub, logger), d.config.Plugins)
	if err != nil {
		hub.Close()
		return nil, fmt.Errorf("failed to attach plugins: %w", err)
	}

	tab := &Tab{ID: id, Page: p, Tracker: t, Hub: hub, Instance: inst, daemon: d}
	d.mu.Lock()
	d.tabs[id] = tab
	d.mu.Unlock()

	logger.Debug().Str("usage", t.Usage()).Msg("Tab opened")
	return tab, nil
}

// Close removes the tab's plugins and detaches it from storage.
func (t *Tab) Close() {
	t.once.Do(func() {
		t.Instance.Remove()
		t.Hub.Close()
		t.daemon.mu.Lock()
		delete(t.daemon.tabs, t.ID)
		t.daemon.mu.Unlock()
	})
}

// Status reports uptime and open tabs.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Status{
		Tabs:     len(d.tabs),
		Backend:  d.config.Storage.Backend,
		ClientID: d.clientID,
	}
	if !d.started.IsZero() {
		s.Uptime = d.clock.Now().Sub(d.started)
	}
	if d.metricsLn != nil {
		s.Metrics = d.metricsLn.Addr().String()
	}
	return s
}

// Stop closes every tab, then shuts down metrics, tracing, the audit trail
// and the storage backend.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	tabs := make([]*Tab, 0, len(d.tabs))
	for _, tab := range d.tabs {
		tabs = append(tabs, tab)
	}
	d.mu.Unlock()

	for _, tab := range tabs {
		tab.Close()
	}

	var errs []error
	if d.metricsSrv != nil {
		errs = append(errs, d.metricsSrv.Shutdown(ctx))
	}
	if d.config.Tracing.Enabled {
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
	}
	if d.config.Logging.AuditFile != "" {
		errs = append(errs, observability.CloseAuditLogger())
	}
	errs = append(errs, d.backend.Close())

	d.logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}
