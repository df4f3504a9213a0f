// Package outboundform reports form submissions whose action leaves the site.
package outboundform

import (
	"net/url"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "outboundFormTracker"
	UsageBit = 5

	DefaultFormSelector = "form"
)

// ShouldTrack decides whether form submits off the site. parse resolves a
// URL against the current page.
type ShouldTrack func(form page.Element, parse func(raw string) *url.URL) bool

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	FormSelector            string      `json:"formSelector" mapstructure:"formSelector"`
	ShouldTrackOutboundForm ShouldTrack `json:"-" mapstructure:"shouldTrackOutboundForm"`
}

// Plugin is a running outbound form tracker.
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
	if opts.FormSelector == "" {
		opts.FormSelector = DefaultFormSelector
	}
	if opts.ShouldTrackOutboundForm == nil {
		opts.ShouldTrackOutboundForm = p.isOutbound
	}
	p.opts = opts

	if p.page == nil {
		p.Logger().Debug().Msg("No page, outbound form tracking disabled")
		return p
	}
	p.Delegate(p.page, page.EventSubmit, opts.FormSelector, p.handleSubmit)
	return p
}

// action returns the resolved form action. A form without one submits to the page itself.
func (p *Plugin) action(form page.Element) *url.URL {
	raw, _ := form.Attr("action")
	return page.ParseURL(p.page, raw)
}

func (p *Plugin) isOutbound(form page.Element, parse func(string) *url.URL) bool {
	raw, _ := form.Attr("action")
	u := parse(raw)
	if u == nil {
		return false
	}
	return u.Hostname() != p.page.Location().Hostname() && (u.Scheme == "http" || u.Scheme == "https")
}

func (p *Plugin) parse(raw string) *url.URL {
	return page.ParseURL(p.page, raw)
}

func (p *Plugin) handleSubmit(ev page.Event, form page.Element) {
	var track bool
	if !p.Call("event", func() { track = p.opts.ShouldTrackOutboundForm(form, p.parse) }) || !track {
		return
	}
	label := ""
	if u := p.action(form); u != nil {
		label = u.String()
	}
	defaults := hit.Fields{
		"transport":     "beacon",
		"eventCategory": "Outbound Form",
		"eventAction":   "submit",
		"eventLabel":    label,
	}
	extra := plugin.AttributeFields(form, p.opts.AttributePrefix)
	p.Send("event", p.opts.Compose(defaults, extra, hit.FilterContext{Plugin: Name, Target: form, Event: &ev}))
}

var _ plugin.Plugin = (*Plugin)(nil)
