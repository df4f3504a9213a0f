// Package impression reports when elements scroll into view.
package impression

import (
	"math"
	"reflect"
	"slices"
	"sync"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "impressionTracker"
	UsageBit = 3

	DefaultRootMargin = "0px"
)

// Element selects an element to observe by id.
type Element struct {
	ID string `json:"id" mapstructure:"id"`
	// Threshold is the visible ratio that counts as an impression. Zero
	// means any intersection. Values outside 0..1 are treated as zero.
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	// TrackFirstImpressionOnly stops observing after the first impression.
	// Nil means true.
	TrackFirstImpressionOnly *bool `json:"trackFirstImpressionOnly" mapstructure:"trackFirstImpressionOnly"`
}

func (e Element) firstOnly() bool {
	return e.TrackFirstImpressionOnly == nil || *e.TrackFirstImpressionOnly
}

type itemKey struct {
	id        string
	threshold float64
}

// normalizeElement resets an out of range threshold to zero.
func (p *Plugin) normalizeElement(el Element) Element {
	if el.Threshold < 0 || el.Threshold > 1 || math.IsNaN(el.Threshold) {
		p.Logger().Debug().Str("element", el.ID).Float64("threshold", el.Threshold).Msg("Threshold out of range, using 0")
		el.Threshold = 0
	}
	return el
}

func (e Element) key() itemKey {
	return itemKey{id: e.ID, threshold: e.Threshold}
}

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	Elements   []Element `json:"elements" mapstructure:"elements"`
	RootMargin string    `json:"rootMargin" mapstructure:"rootMargin"`
}

func (o *Options) normalize() {
	o.Common.Normalize()
	if o.RootMargin == "" {
		o.RootMargin = DefaultRootMargin
	}
}

// elementFromString lets an element be given as a bare id.
func elementFromString(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.String && to == reflect.TypeOf(Element{}) {
		return map[string]any{"id": data}, nil
	}
	return data, nil
}

// Plugin is a running impression tracker.
type Plugin struct {
	*plugin.Base
	opts     Options
	factory  page.ObserverFactory
	elements page.ElementFinder

	mu        sync.Mutex
	items     []Element
	inView    map[itemKey]bool
	observers map[float64]page.IntersectionObserver
}

// New is the plugin.Constructor.
func New(t *tracker.Tracker, env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var opts Options
	if err := plugin.LoadOptions(env, Name, raw, &opts, elementFromString); err != nil {
		return nil, err
	}
	return NewPlugin(t, env, opts), nil
}

// NewPlugin creates the plugin from decoded options.
func NewPlugin(t *tracker.Tracker, env plugin.Env, opts Options) *Plugin {
	opts.normalize()
	p := &Plugin{
		Base:      plugin.NewBase(Name, UsageBit, t, env),
		opts:      opts,
		factory:   env.Observer,
		elements:  env.Elements,
		inView:    make(map[itemKey]bool),
		observers: make(map[float64]page.IntersectionObserver),
	}
	if p.factory == nil {
		p.Logger().Debug().Msg("Intersection observation unsupported, tracking disabled")
		return p
	}
	p.Defer(p.UnobserveAllElements)
	p.ObserveElements(opts.Elements...)
	return p
}

// ObserveElements starts observing elements. An element already observed
// with the same threshold is ignored.
func (p *Plugin) ObserveElements(elements ...Element) {
	if p.factory == nil || !p.Active() {
		return
	}
	for _, el := range elements {
		if el.ID == "" {
			continue
		}
		el = p.normalizeElement(el)
		p.mu.Lock()
		if slices.ContainsFunc(p.items, func(it Element) bool { return it.key() == el.key() }) {
			p.mu.Unlock()
			continue
		}
		p.items = append(p.items, el)
		obs := p.observerLocked(el.Threshold)
		p.mu.Unlock()
		obs.Observe(el.ID)
	}
}

func (p *Plugin) observerLocked(threshold float64) page.IntersectionObserver {
	if obs, ok := p.observers[threshold]; ok {
		return obs
	}
	obs := p.factory.NewIntersectionObserver([]float64{threshold}, p.opts.RootMargin, func(entries []page.IntersectionEntry) {
		p.handleIntersections(threshold, entries)
	})
	p.observers[threshold] = obs
	return obs
}

// UnobserveElements stops observing the given elements. Elements match by
// id and threshold.
func (p *Plugin) UnobserveElements(elements ...Element) {
	for _, el := range elements {
		p.unobserve(p.normalizeElement(el).key())
	}
}

// UnobserveAllElements stops observing everything.
func (p *Plugin) UnobserveAllElements() {
	p.mu.Lock()
	observers := p.observers
	p.items = nil
	p.inView = make(map[itemKey]bool)
	p.observers = make(map[float64]page.IntersectionObserver)
	p.mu.Unlock()

	for _, obs := range observers {
		obs.Disconnect()
	}
}

func (p *Plugin) unobserve(k itemKey) {
	p.mu.Lock()
	i := slices.IndexFunc(p.items, func(it Element) bool { return it.key() == k })
	if i < 0 {
		p.mu.Unlock()
		return
	}
	p.items = slices.Delete(p.items, i, i+1)
	delete(p.inView, k)
	obs := p.observers[k.threshold]
	empty := !slices.ContainsFunc(p.items, func(it Element) bool { return it.Threshold == k.threshold })
	if empty {
		delete(p.observers, k.threshold)
	}
	p.mu.Unlock()

	if obs == nil {
		return
	}
	if empty {
		obs.Disconnect()
	} else {
		obs.Unobserve(k.id)
	}
}

// handleIntersections sends one impression each time an element enters view.
func (p *Plugin) handleIntersections(threshold float64, entries []page.IntersectionEntry) {
	if !p.Active() {
		return
	}
	for _, entry := range entries {
		k := itemKey{id: entry.ID, threshold: threshold}
		visible := entry.Intersecting
		if threshold > 0 {
			visible = entry.Ratio >= threshold
		}

		p.mu.Lock()
		i := slices.IndexFunc(p.items, func(it Element) bool { return it.key() == k })
		if i < 0 {
			p.mu.Unlock()
			continue
		}
		item := p.items[i]
		entered := visible && !p.inView[k]
		p.inView[k] = visible
		p.mu.Unlock()

		if !entered {
			continue
		}
		if item.firstOnly() {
			p.unobserve(k)
		}
		p.sendImpression(entry.ID)
	}
}

func (p *Plugin) sendImpression(id string) {
	var el page.Element
	if p.elements != nil {
		el = p.elements.ElementByID(id)
	}
	defaults := hit.Fields{
		"transport":      "beacon",
		"eventCategory":  "Viewport",
		"eventAction":    "impression",
		"eventLabel":     id,
		"nonInteraction": true,
	}
	extra := plugin.AttributeFields(el, p.opts.AttributePrefix)
	p.Send("event", p.opts.Compose(defaults, extra, hit.FilterContext{Plugin: Name, Target: el}))
}

var _ plugin.Plugin = (*Plugin)(nil)
