// Package plugin defines how tracker plugins are registered, configured and
// torn down.
package plugin

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/storage"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownPlugin = errors.New("unknown plugin")
	ErrDuplicate     = errors.New("plugin already provided")
	ErrVersion       = errors.New("plugin version does not satisfy constraint")
)

// Plugin is a running plugin instance. Remove detaches everything the
// plugin installed; after it returns the plugin sends no more hits.
type Plugin interface {
	Name() string
	Remove()
}

// Env is the page a plugin runs in. Capabilities a page lacks are nil and
// the features that need them are skipped.
type Env struct {
	Page     page.Page
	Storage  *storage.Hub
	Observer page.ObserverFactory
	Media    page.MediaMatcher
	History  page.History
	Elements page.ElementFinder
	Logger   zerolog.Logger
}

var (
	fallbackOnce sync.Once
	fallbackHub  *storage.Hub
)

// Hub returns the storage hub, or a shared in-memory hub when the page
// has no storage.
func (e Env) Hub() *storage.Hub {
	if e.Storage != nil {
		return e.Storage
	}
	fallbackOnce.Do(func() {
		fallbackHub = storage.NewHub(nil, e.Logger)
	})
	return fallbackHub
}

// Starter is implemented by plugins with work to do once every plugin
// on the tracker has been created, such as sending an initial pageview.
type Starter interface {
	Start()
}

// EnvFor builds an Env from p, picking up the optional capabilities p
// implements.
func EnvFor(p page.Page, hub *storage.Hub, logger zerolog.Logger) Env {
	env := Env{Page: p, Storage: hub, Logger: logger}
	if o, ok := p.(page.ObserverFactory); ok {
		env.Observer = o
	}
	if m, ok := p.(page.MediaMatcher); ok {
		env.Media = m
	}
	if h, ok := p.(page.History); ok {
		env.History = h
	}
	if f, ok := p.(page.ElementFinder); ok {
		env.Elements = f
	}
	return env
}

// Constructor creates a plugin on t from raw options.
type Constructor func(t *tracker.Tracker, env Env, opts map[string]any) (Plugin, error)

// Registration is one entry of a Registry.
type Registration struct {
	Name    string
	Version *semver.Version
	New     Constructor
}

// Registry maps plugin names to constructors.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Provide registers ctor under name. Names are unique.
func (r *Registry) Provide(name, version string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return errors.New("plugin name and constructor are required")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("plugin %s: invalid version %q: %w", name, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.entries[name] = Registration{Name: name, Version: v, New: ctor}
	return nil
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Create builds the plugin registered under name on t without starting it.
func (r *Registry) Create(name string, t *tracker.Tracker, env Env, opts map[string]any) (Plugin, error) {
	reg, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	p, err := reg.New(t, env, opts)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", name, err)
	}
	return p, nil
}

// Require creates the plugin registered under name on t and starts it.
func (r *Registry) Require(name string, t *tracker.Tracker, env Env, opts map[string]any) (Plugin, error) {
	p, err := r.Create(name, t, env, opts)
	if err != nil {
		return nil, err
	}
	if s, ok := p.(Starter); ok {
		s.Start()
	}
	return p, nil
}

// RequireVersion is Require that first checks the registered version
// against a semver constraint such as "^2.0.0".
func (r *Registry) RequireVersion(name, constraint string, t *tracker.Tracker, env Env, opts map[string]any) (Plugin, error) {
	reg, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: invalid constraint %q: %w", name, constraint, err)
	}
	if !c.Check(reg.Version) {
		return nil, fmt.Errorf("%w: %s %s does not satisfy %s", ErrVersion, name, reg.Version, constraint)
	}
	return r.Require(name, t, env, opts)
}
