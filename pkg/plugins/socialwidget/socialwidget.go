// Package socialwidget reports interactions with embedded Twitter and
// Facebook widgets as social hits.
//
// Widget callbacks reach the page as events of the types below. Their
// Detail carries the widget payload: "region" and "url" or "screen_name"
// for Twitter, "url" for Facebook.
package socialwidget

import (
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "socialWidgetTracker"
	UsageBit = 8
)

// Widget event types.
const (
	EventTweet  = "twitter:tweet"
	EventFollow = "twitter:follow"
	EventLike   = "facebook:like"
	EventUnlike = "facebook:unlike"
)

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`
}

// Plugin is a running social widget tracker.
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
	opts.Common.Normalize()
	p := &Plugin{
		Base: plugin.NewBase(Name, UsageBit, t, env),
		opts: opts,
		page: env.Page,
	}
	if p.page == nil {
		p.Logger().Debug().Msg("No page, social widget tracking disabled")
		return p
	}
	p.Listen(p.page, EventTweet, p.handleTweet)
	p.Listen(p.page, EventFollow, p.handleFollow)
	p.Listen(p.page, EventLike, func(ev page.Event) { p.handleFacebook(ev, "like") })
	p.Listen(p.page, EventUnlike, func(ev page.Event) { p.handleFacebook(ev, "unlike") })
	return p
}

func detail(ev page.Event, key string) string {
	s, _ := ev.Detail[key].(string)
	return s
}

func attr(el page.Element, name string) string {
	if el == nil {
		return ""
	}
	v, _ := el.Attr(name)
	return v
}

func (p *Plugin) handleTweet(ev page.Event) {
	if detail(ev, "region") != "tweetbutton" {
		return
	}
	target := detail(ev, "url")
	if target == "" {
		target = attr(ev.Target, "data-url")
	}
	if target == "" {
		target = p.page.Location().String()
	}
	p.send(ev, "Twitter", "tweet", target)
}

func (p *Plugin) handleFollow(ev page.Event) {
	if detail(ev, "region") != "follow" {
		return
	}
	target := detail(ev, "screen_name")
	if target == "" {
		target = attr(ev.Target, "data-screen-name")
	}
	p.send(ev, "Twitter", "follow", target)
}

func (p *Plugin) handleFacebook(ev page.Event, action string) {
	p.send(ev, "Facebook", action, detail(ev, "url"))
}

func (p *Plugin) send(ev page.Event, network, action, target string) {
	defaults := hit.Fields{
		"transport":     "beacon",
		"socialNetwork": network,
		"socialAction":  action,
		"socialTarget":  target,
	}
	p.Send("social", p.opts.Compose(defaults, nil, hit.FilterContext{Plugin: Name, Target: ev.Target, Event: &ev}))
}

var _ plugin.Plugin = (*Plugin)(nil)
