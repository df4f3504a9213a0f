// Package maxscroll reports how far down each page the user has scrolled.
//
// The deepest scroll percentage per page path is kept in the synchronized
// store for the current session. An event is sent when the depth grows by
// at least IncreaseThreshold points, or reaches 100.
package maxscroll

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/session"
	"github.com/harun/autotrack/pkg/store"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name      = "maxScrollTracker"
	UsageBit  = 10
	Namespace = "plugins/max-scroll-tracker"

	DefaultIncreaseThreshold = 20
	DefaultScrollDebounce    = 500 * time.Millisecond
)

const fieldSessionID = "sessionId"

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	// IncreaseThreshold is the minimum growth, in percentage points,
	// that is reported. Values outside 1..100 use the default.
	IncreaseThreshold int `json:"increaseThreshold" mapstructure:"increaseThreshold"`
	// MaxScrollMetricIndex, when set, also reports the growth in metricN.
	MaxScrollMetricIndex int `json:"maxScrollMetricIndex" mapstructure:"maxScrollMetricIndex"`
	// SessionTimeout is given in minutes. Zero uses the session default.
	SessionTimeout plugin.Minutes `json:"sessionTimeout" mapstructure:"sessionTimeout"`
	TimeZone       string         `json:"timeZone" mapstructure:"timeZone"`
	ScrollDebounce time.Duration  `json:"scrollDebounce" mapstructure:"scrollDebounce"`
}

func (o *Options) normalize() {
	o.Common.Normalize()
	if o.IncreaseThreshold <= 0 || o.IncreaseThreshold > 100 {
		o.IncreaseThreshold = DefaultIncreaseThreshold
	}
	if o.ScrollDebounce <= 0 {
		o.ScrollDebounce = DefaultScrollDebounce
	}
}

// Plugin is a running max scroll tracker.
type Plugin struct {
	*plugin.Base
	opts     Options
	page     page.Page
	store    *store.Store
	session  *session.Session
	debounce *plugin.Debouncer

	mu         sync.Mutex
	pagePath   string
	stopScroll func()
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
	opts.normalize()
	p := &Plugin{
		Base: plugin.NewBase(Name, UsageBit, t, env),
		opts: opts,
		page: env.Page,
	}
	if p.page == nil {
		p.Logger().Debug().Msg("No page, max scroll tracking disabled")
		return p
	}

	p.store = store.GetOrCreate(env.Hub(), t.TrackingID(), Namespace, nil)
	p.Defer(p.store.Destroy)
	p.session = session.GetOrCreate(t, env.Hub(), session.Options{
		Timeout:  opts.SessionTimeout.Duration(),
		TimeZone: opts.TimeZone,
	})
	p.Defer(p.session.Destroy)

	p.debounce = p.Debounce(opts.ScrollDebounce, p.handleScroll)
	p.Defer(p.stopListening)
	p.Watch(p.handleTrackerSet)

	p.pagePath = p.currentPagePath()
	p.listen()
	return p
}

// listen starts watching scroll events unless this page is already fully scrolled.
func (p *Plugin) listen() {
	if p.maxForPath(p.path()) >= 100 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopScroll != nil {
		return
	}
	p.stopScroll = p.page.AddEventListener(page.EventScroll, func(page.Event) {
		if p.Active() {
			p.debounce.Trigger()
		}
	})
}

func (p *Plugin) stopListening() {
	p.mu.Lock()
	stop := p.stopScroll
	p.stopScroll = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *Plugin) path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pagePath
}

func (p *Plugin) handleScroll() {
	pct := p.scrollPercentage()

	sessionID := p.session.ID()
	if p.store.Get().String(fieldSessionID) != sessionID {
		p.store.Clear()
		p.store.Set(store.Record{fieldSessionID: sessionID})
	}

	path := p.path()
	deepest := p.maxForPath(path)
	if pct <= deepest {
		return
	}
	if pct == 100 || deepest == 100 {
		p.stopListening()
	}
	increase := pct - deepest
	if pct == 100 || increase >= p.opts.IncreaseThreshold {
		p.store.Set(store.Record{path: pct})
		p.sendEvent(increase, pct)
	}
}

// handleTrackerSet restarts measurement when the page field moves to a new path.
func (p *Plugin) handleTrackerSet(changed hit.Fields) {
	if _, ok := changed["page"]; !ok {
		return
	}
	next := p.currentPagePath()
	p.mu.Lock()
	changedPath := next != p.pagePath
	p.pagePath = next
	p.mu.Unlock()
	if changedPath {
		p.listen()
	}
}

func (p *Plugin) sendEvent(increase, pct int) {
	defaults := hit.Fields{
		"transport":      "beacon",
		"eventCategory":  "Max Scroll",
		"eventAction":    "increase",
		"eventValue":     increase,
		"eventLabel":     strconv.Itoa(pct),
		"nonInteraction": true,
	}
	if p.opts.MaxScrollMetricIndex > 0 {
		defaults["metric"+strconv.Itoa(p.opts.MaxScrollMetricIndex)] = increase
	}
	p.Send("event", p.opts.Compose(defaults, nil, hit.FilterContext{Plugin: Name}))
}

func (p *Plugin) maxForPath(path string) int {
	n, _ := p.store.Get().Int64(path)
	return int(n)
}

// scrollPercentage rounds and clamps to 0..100. A page that cannot scroll reports 0.
func (p *Plugin) scrollPercentage() int {
	scrollable := p.page.DocumentHeight() - p.page.ViewportHeight()
	if scrollable <= 0 {
		return 0
	}
	pct := math.Round(100 * p.page.ScrollTop() / scrollable)
	return int(math.Min(100, math.Max(0, pct)))
}

func (p *Plugin) currentPagePath() string {
	raw := p.Tracker().GetString("page")
	if raw == "" {
		raw = p.Tracker().GetString("location")
	}
	u := page.ParseURL(p.page, raw)
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

var _ plugin.Plugin = (*Plugin)(nil)
