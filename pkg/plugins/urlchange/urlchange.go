// Package urlchange tracks single page application navigation. When the
// history API changes the path, the tracker's page and title are updated
// and a pageview is sent.
package urlchange

import (
	"sync"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "urlChangeTracker"
	UsageBit = 9
)

// ShouldTrack decides whether a path change is a new page.
type ShouldTrack func(newPath, oldPath string) bool

// DefaultShouldTrack tracks any change between two non-empty paths.
func DefaultShouldTrack(newPath, oldPath string) bool {
	return newPath != "" && oldPath != ""
}

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	ShouldTrackURLChange ShouldTrack `json:"-" mapstructure:"shouldTrackUrlChange"`
	// TrackReplaceState sends pageviews for replaceState as well. The
	// page and title are updated either way.
	TrackReplaceState bool `json:"trackReplaceState" mapstructure:"trackReplaceState"`
}

// Plugin is a running URL change tracker.
type Plugin struct {
	*plugin.Base
	opts Options
	page page.Page

	mu   sync.Mutex
	path string
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
	if opts.ShouldTrackURLChange == nil {
		opts.ShouldTrackURLChange = DefaultShouldTrack
	}
	p := &Plugin{
		Base: plugin.NewBase(Name, UsageBit, t, env),
		opts: opts,
		page: env.Page,
	}
	if p.page == nil || env.History == nil {
		p.Logger().Debug().Msg("History API unavailable, URL change tracking disabled")
		return p
	}
	p.path = p.currentPath()
	p.Defer(env.History.OnNavigate(func(kind page.NavigationKind) {
		if p.Active() {
			p.handleNavigation(kind)
		}
	}))
	return p
}

func (p *Plugin) currentPath() string {
	u := p.page.Location()
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// handleNavigation runs after the current turn so the title set alongside
// the navigation is picked up.
func (p *Plugin) handleNavigation(kind page.NavigationKind) {
	historyDidUpdate := kind != page.NavigationReplace
	p.AfterFunc(0, func() { p.handleURLChange(historyDidUpdate) })
}

func (p *Plugin) handleURLChange(historyDidUpdate bool) {
	newPath := p.currentPath()
	p.mu.Lock()
	oldPath := p.path
	track := false
	if newPath != oldPath {
		p.Call("pageview", func() { track = p.opts.ShouldTrackURLChange(newPath, oldPath) })
	}
	if !track {
		p.mu.Unlock()
		return
	}
	p.path = newPath
	p.mu.Unlock()

	p.Tracker().SetAll(hit.Fields{"page": newPath, "title": p.page.Title()})
	if historyDidUpdate || p.opts.TrackReplaceState {
		defaults := hit.Fields{"transport": "beacon"}
		p.Send("pageview", p.opts.Compose(defaults, nil, hit.FilterContext{Plugin: Name}))
	}
}

var _ plugin.Plugin = (*Plugin)(nil)
