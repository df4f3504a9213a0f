// Package event sends hits declared in markup. An element with a
// "<prefix>on" attribute listing event types sends a hit whenever one of
// those events reaches it; its other "<prefix>*" attributes are the fields.
//
//	<button ga-on="click" ga-event-category="Video" ga-event-action="play">
package event

import (
	"slices"
	"strings"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "eventTracker"
	UsageBit = 2
)

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	// Events are the DOM events to listen for. Defaults to click.
	Events []string `json:"events" mapstructure:"events"`
}

// Plugin is a running declarative event tracker.
type Plugin struct {
	*plugin.Base
	opts Options
}

// New is the plugin.Constructor.
func New(t *tracker.Tracker, env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var opts Options
	if err := plugin.LoadOptions(env, Name, raw, &opts); err != nil {
		return nil, err
	}
	return NewPlugin(t, env, opts), nil
}

// NewPlugin creates the plugin from decoded options.
func NewPlugin(t *tracker.Tracker, env plugin.Env, opts Options) *Plugin {
	opts.Common.Normalize()
	if len(opts.Events) == 0 {
		opts.Events = []string{page.EventClick}
	}
	p := &Plugin{
		Base: plugin.NewBase(Name, UsageBit, t, env),
		opts: opts,
	}
	if env.Page == nil {
		p.Logger().Debug().Msg("No page, event tracking disabled")
		return p
	}

	selector := "[" + opts.AttributePrefix + "on]"
	for _, ev := range opts.Events {
		p.Delegate(env.Page, ev, selector, p.handleEvent)
	}
	return p
}

func (p *Plugin) handleEvent(ev page.Event, el page.Element) {
	prefix := p.opts.AttributePrefix
	on, _ := el.Attr(prefix + "on")
	types := strings.Split(on, ",")
	for i := range types {
		types[i] = strings.TrimSpace(types[i])
	}
	if !slices.Contains(types, ev.Type) {
		return
	}

	fields := plugin.AttributeFields(el, prefix)
	delete(fields, "on")
	hitType, _ := fields["hitType"].(string)
	delete(fields, "hitType")
	if hitType == "" {
		hitType = "event"
	}

	defaults := hit.Fields{"transport": "beacon"}
	p.Send(hitType, p.opts.Compose(defaults, fields, hit.FilterContext{Plugin: Name, Target: el, Event: &ev}))
}

var _ plugin.Plugin = (*Plugin)(nil)
