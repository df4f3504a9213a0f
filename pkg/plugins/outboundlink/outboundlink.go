// Package outboundlink reports interactions with links that lead off the site.
package outboundlink

import (
	"net/url"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "outboundLinkTracker"
	UsageBit = 6

	DefaultLinkSelector = "a, area"
)

// ShouldTrack decides whether link is outbound. parse resolves a URL
// against the current page.
type ShouldTrack func(link page.Element, parse func(raw string) *url.URL) bool

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	// Events are the DOM events to listen for. Defaults to click.
	Events                  []string    `json:"events" mapstructure:"events"`
	LinkSelector            string      `json:"linkSelector" mapstructure:"linkSelector"`
	ShouldTrackOutboundLink ShouldTrack `json:"-" mapstructure:"shouldTrackOutboundLink"`
}

// Plugin is a running outbound link tracker.
type Plugin struct {
	*plugin.Base
	opts Options
	page page.Page
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
	p := &Plugin{
		Base: plugin.NewBase(Name, UsageBit, t, env),
		page: env.Page,
	}
	opts.Common.Normalize()
	if len(opts.Events) == 0 {
		opts.Events = []string{page.EventClick}
	}
	if opts.LinkSelector == "" {
		opts.LinkSelector = DefaultLinkSelector
	}
	if opts.ShouldTrackOutboundLink == nil {
		opts.ShouldTrackOutboundLink = p.isOutbound
	}
	p.opts = opts

	if p.page == nil {
		p.Logger().Debug().Msg("No page, outbound link tracking disabled")
		return p
	}
	for _, ev := range opts.Events {
		p.Delegate(p.page, ev, opts.LinkSelector, p.handleLinkInteraction)
	}
	return p
}

func href(link page.Element) string {
	if v, ok := link.Attr("href"); ok {
		return v
	}
	v, _ := link.Attr("xlink:href")
	return v
}

// isOutbound is the default ShouldTrack: an http(s) link to another host.
func (p *Plugin) isOutbound(link page.Element, parse func(string) *url.URL) bool {
	u := parse(href(link))
	if u == nil {
		return false
	}
	here := p.page.Location()
	return u.Hostname() != here.Hostname() && (u.Scheme == "http" || u.Scheme == "https")
}

func (p *Plugin) parse(raw string) *url.URL {
	return page.ParseURL(p.page, raw)
}

func (p *Plugin) handleLinkInteraction(ev page.Event, link page.Element) {
	var track bool
	if !p.Call("event", func() { track = p.opts.ShouldTrackOutboundLink(link, p.parse) }) || !track {
		return
	}
	label := href(link)
	if u := p.parse(label); u != nil {
		label = u.String()
	}
	defaults := hit.Fields{
		"transport":     "beacon",
		"eventCategory": "Outbound Link",
		"eventAction":   ev.Type,
		"eventLabel":    label,
	}
	extra := plugin.AttributeFields(link, p.opts.AttributePrefix)
	p.Send("event", p.opts.Compose(defaults, extra, hit.FilterContext{Plugin: Name, Target: link, Event: &ev}))
}

var _ plugin.Plugin = (*Plugin)(nil)
