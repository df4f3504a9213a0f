// Package autotrack bundles the tracker plugins behind one registry and
// attaches configured sets of them to a tracker.
package autotrack

import (
	"errors"
	"fmt"
	"sync"

	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/plugins/cleanurl"
	"github.com/harun/autotrack/pkg/plugins/event"
	"github.com/harun/autotrack/pkg/plugins/impression"
	"github.com/harun/autotrack/pkg/plugins/maxscroll"
	"github.com/harun/autotrack/pkg/plugins/mediaquery"
	"github.com/harun/autotrack/pkg/plugins/outboundform"
	"github.com/harun/autotrack/pkg/plugins/outboundlink"
	"github.com/harun/autotrack/pkg/plugins/pagevisibility"
	"github.com/harun/autotrack/pkg/plugins/socialwidget"
	"github.com/harun/autotrack/pkg/plugins/urlchange"
	"github.com/harun/autotrack/pkg/tracker"
)

// Version is the version every bundled plugin is registered under.
const Version = "2.4.1"

var (
	defaultOnce     sync.Once
	defaultRegistry *plugin.Registry
)

// DefaultRegistry returns the process-wide registry of bundled plugins.
func DefaultRegistry() *plugin.Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry returns a fresh registry holding every bundled plugin.
func NewRegistry() *plugin.Registry {
	r := plugin.NewRegistry()
	for name, ctor := range map[string]plugin.Constructor{
		cleanurl.Name:       cleanurl.New,
		event.Name:          event.New,
		impression.Name:     impression.New,
		maxscroll.Name:      maxscroll.New,
		mediaquery.Name:     mediaquery.New,
		outboundform.Name:   outboundform.New,
		outboundlink.Name:   outboundlink.New,
		pagevisibility.Name: pagevisibility.New,
		socialwidget.Name:   socialwidget.New,
		urlchange.Name:      urlchange.New,
	} {
		if err := r.Provide(name, Version, ctor); err != nil {
			panic(err)
		}
	}
	return r
}

// Require names one plugin and its raw options.
type Require struct {
	Name    string         `json:"name" mapstructure:"name"`
	Options map[string]any `json:"options" mapstructure:"options"`
}

// Instance is a set of plugins attached to one tracker.
type Instance struct {
	mu      sync.Mutex
	plugins []plugin.Plugin
}

// Attach creates every required plugin on t, then starts them in order, so
// a starting plugin's first hits pass through every other plugin. If any
// plugin fails to be created, the ones already created are removed.
func Attach(reg *plugin.Registry, t *tracker.Tracker, env plugin.Env, requires []Require) (*Instance, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	inst := &Instance{}
	seen := make(map[string]bool, len(requires))
	for _, req := range requires {
		if seen[req.Name] {
			inst.Remove()
			return nil, fmt.Errorf("%w: %s required twice", plugin.ErrDuplicate, req.Name)
		}
		seen[req.Name] = true

		p, err := reg.Create(req.Name, t, env, req.Options)
		if err != nil {
			inst.Remove()
			return nil, err
		}
		inst.plugins = append(inst.plugins, p)
	}
	for _, p := range inst.plugins {
		if s, ok := p.(plugin.Starter); ok {
			s.Start()
		}
	}
	return inst, nil
}

// Plugins returns the attached plugins in require order.
func (i *Instance) Plugins() []plugin.Plugin {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]plugin.Plugin(nil), i.plugins...)
}

// Plugin returns the attached plugin called name.
func (i *Instance) Plugin(name string) (plugin.Plugin, bool) {
	for _, p := range i.Plugins() {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Remove removes every plugin in reverse order.
func (i *Instance) Remove() {
	i.mu.Lock()
	plugins := i.plugins
	i.plugins = nil
	i.mu.Unlock()
	for j := len(plugins) - 1; j >= 0; j-- {
		plugins[j].Remove()
	}
}

// ErrNoPlugins is returned by Validate for an empty require list.
var ErrNoPlugins = errors.New("no plugins required")

// Validate checks that every name in requires is registered in reg.
func Validate(reg *plugin.Registry, requires []Require) error {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if len(requires) == 0 {
		return ErrNoPlugins
	}
	var errs []error
	for _, req := range requires {
		if _, ok := reg.Lookup(req.Name); !ok {
			errs = append(errs, fmt.Errorf("%w: %s", plugin.ErrUnknownPlugin, req.Name))
		}
	}
	return errors.Join(errs...)
}
