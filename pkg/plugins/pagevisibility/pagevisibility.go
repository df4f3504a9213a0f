// Package pagevisibility measures how long pages stay visible and sends a
// new pageview when a page becomes visible again after its session ended.
//
// The last visibility change of any tab is kept in the synchronized store as
// {time, state, pageId, sessionId}. Visible time is reported by the tab that
// started the visible stretch, either when it is hidden or when another tab
// overwrites the record.
package pagevisibility

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/session"
	"github.com/harun/autotrack/pkg/store"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name      = "pageVisibilityTracker"
	UsageBit  = 7
	Namespace = "plugins/page-visibility-tracker"

	DefaultVisibleThreshold = 5 * time.Second
)

// NotSet labels dimensions without a value.
const NotSet = "(not set)"

// Record fields.
const (
	fieldTime      = "time"
	fieldState     = "state"
	fieldPageID    = "pageId"
	fieldSessionID = "sessionId"
)

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	SessionTimeout plugin.Minutes `json:"sessionTimeout" mapstructure:"sessionTimeout"`
	TimeZone       string         `json:"timeZone" mapstructure:"timeZone"`
	// VisibleThreshold is the shortest visible stretch that is reported.
	// It also delays the pageview sent when a page is shown in a new session.
	VisibleThreshold time.Duration `json:"visibleThreshold" mapstructure:"visibleThreshold"`
	// SendInitialPageview sends the page's first pageview once it is visible.
	SendInitialPageview bool `json:"sendInitialPageview" mapstructure:"sendInitialPageview"`
	// PageLoadsMetricIndex, when set, counts page loads in metricN.
	PageLoadsMetricIndex int `json:"pageLoadsMetricIndex" mapstructure:"pageLoadsMetricIndex"`
	// VisibleMetricIndex, when set, also reports visible seconds in metricN.
	VisibleMetricIndex int `json:"visibleMetricIndex" mapstructure:"visibleMetricIndex"`
}

func (o *Options) normalize() {
	o.Common.Normalize()
	if o.VisibleThreshold <= 0 {
		o.VisibleThreshold = DefaultVisibleThreshold
	}
}

// change is one visibility change as stored.
type change struct {
	time      int64
	state     page.VisibilityState
	pageID    string
	sessionID string
}

func changeFrom(rec store.Record) change {
	t, _ := rec.Int64(fieldTime)
	return change{
		time:      t,
		state:     page.VisibilityState(rec.String(fieldState)),
		pageID:    rec.String(fieldPageID),
		sessionID: rec.String(fieldSessionID),
	}
}

func (c change) record() store.Record {
	return store.Record{
		fieldTime:      c.time,
		fieldState:     string(c.state),
		fieldPageID:    c.pageID,
		fieldSessionID: c.sessionID,
	}
}

// Plugin is a running page visibility tracker.
type Plugin struct {
	*plugin.Base
	opts    Options
	page    page.Page
	pageID  string
	store   *store.Store
	session *session.Session

	mu                  sync.Mutex
	lastState           page.VisibilityState
	initialPageviewSent bool
	visibleTimer        clock.Timer
}

// New is the plugin.Constructor.
func New(t *tracker.Tracker, env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var opts Options
	if err := plugin.LoadOptions(env, Name, raw, &opts); err != nil {
		return nil, err
	}
	return NewPlugin(t, env, opts), nil
}

// NewPlugin creates the plugin from decoded options. Nothing is sent until Start.
func NewPlugin(t *tracker.Tracker, env plugin.Env, opts Options) *Plugin {
	opts.normalize()
	p := &Plugin{
		Base:   plugin.NewBase(Name, UsageBit, t, env),
		opts:   opts,
		page:   env.Page,
		pageID: uuid.NewString(),
	}
	if p.page == nil {
		p.Logger().Debug().Msg("No page, visibility tracking disabled")
		return p
	}

	p.store = store.GetOrCreate(env.Hub(), t.TrackingID(), Namespace, nil)
	p.Defer(p.store.Destroy)
	sub := p.store.Subscribe(p.handleExternalChange)
	p.Defer(sub.Unsubscribe)
	p.session = session.GetOrCreate(t, env.Hub(), session.Options{
		Timeout:  opts.SessionTimeout.Duration(),
		TimeZone: opts.TimeZone,
	})
	p.Defer(p.session.Destroy)

	p.lastState = p.page.VisibilityState()
	p.WatchBefore(p.handlePageChange)
	p.Listen(p.page, page.EventVisibilityChange, func(page.Event) { p.handleChange() })
	p.Listen(p.page, page.EventUnload, func(page.Event) { p.handleUnload() })
	p.Defer(p.stopVisibleTimer)
	return p
}

// Start records the initial state, sending the initial pageview when configured.
func (p *Plugin) Start() {
	if p.page == nil || !p.Active() {
		return
	}
	if p.page.VisibilityState() == page.Visible {
		if p.opts.SendInitialPageview {
			p.sendPageview(0, true)
			p.mu.Lock()
			p.initialPageviewSent = true
			p.mu.Unlock()
		}
		p.store.Set(p.now(page.Visible).record())
		return
	}
	if p.opts.SendInitialPageview && p.opts.PageLoadsMetricIndex > 0 {
		p.sendPageLoad()
	}
}

func (p *Plugin) now(state page.VisibilityState) change {
	return change{
		time:      p.Clock().Now().UnixMilli(),
		state:     state,
		pageID:    p.pageID,
		sessionID: p.session.ID(),
	}
}

func (p *Plugin) handleChange() {
	state := p.page.VisibilityState()
	if state != page.Visible && state != page.Hidden {
		return
	}

	last := p.validatedLastChange()
	current := p.now(state)

	p.mu.Lock()
	lastState := p.lastState
	sendInitial := state == page.Visible && p.opts.SendInitialPageview && !p.initialPageviewSent
	if sendInitial {
		p.initialPageviewSent = true
	}
	p.mu.Unlock()

	if sendInitial {
		p.sendPageview(0, false)
	}
	if state == page.Hidden {
		p.stopVisibleTimer()
	}

	if p.session.IsExpired(last.sessionID) {
		p.store.Clear()
		if lastState == page.Hidden && state == page.Visible {
			p.stopVisibleTimer()
			timer := p.AfterFunc(p.opts.VisibleThreshold, func() {
				p.store.Set(current.record())
				p.sendPageview(current.time, false)
			})
			p.mu.Lock()
			p.visibleTimer = timer
			p.mu.Unlock()
		}
	} else {
		if last.pageID == p.pageID && last.state == page.Visible {
			p.sendVisibilityEvent(last, 0)
		}
		p.store.Set(current.record())
	}

	p.mu.Lock()
	p.lastState = state
	p.mu.Unlock()
}

// validatedLastChange returns the stored change. When this page is visible
// but the record says another page was hidden last, this page claims the
// stretch that began when the other page was hidden.
func (p *Plugin) validatedLastChange() change {
	last := changeFrom(p.store.Get())
	p.mu.Lock()
	lastState := p.lastState
	p.mu.Unlock()

	if lastState == page.Visible && last.state == page.Hidden && last.pageID != p.pageID {
		last.state = page.Visible
		last.pageID = p.pageID
		p.store.Set(last.record())
	}
	return last
}

// handleExternalChange reports this page's visible time when another tab
// starts a new visibility state.
func (p *Plugin) handleExternalChange(newData, oldData store.Record) {
	if !p.Active() {
		return
	}
	next, prev := changeFrom(newData), changeFrom(oldData)
	if next.time == prev.time {
		return
	}
	if prev.pageID == p.pageID && prev.state == page.Visible && !p.session.IsExpired(prev.sessionID) {
		p.sendVisibilityEvent(prev, next.time)
	}
}

func (p *Plugin) handleUnload() {
	p.mu.Lock()
	lastState := p.lastState
	p.mu.Unlock()
	if lastState != page.Hidden {
		p.handleChange()
	}
}

// handlePageChange flushes the visible time of the old page before a new
// page path is set on the tracker.
func (p *Plugin) handlePageChange(changing hit.Fields) {
	next, ok := changing["page"].(string)
	if !ok || next == p.Tracker().GetString("page") {
		return
	}
	p.mu.Lock()
	visible := p.lastState == page.Visible
	p.mu.Unlock()
	if visible {
		p.handleChange()
	}
}

func (p *Plugin) stopVisibleTimer() {
	p.mu.Lock()
	t := p.visibleTimer
	p.visibleTimer = nil
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// sendVisibilityEvent reports the time since last started. hitTime, when
// set, is when the stretch ended, and the hit is queued from then.
func (p *Plugin) sendVisibilityEvent(last change, hitTime int64) {
	if last.time == 0 {
		return
	}
	now := p.Clock().Now().UnixMilli()
	end := now
	if hitTime > 0 {
		end = hitTime
	}
	delta := time.Duration(end-last.time) * time.Millisecond
	if delta <= 0 || delta < p.opts.VisibleThreshold {
		return
	}
	seconds := int((delta + 500*time.Millisecond) / time.Second)

	defaults := hit.Fields{
		"transport":      "beacon",
		"nonInteraction": true,
		"eventCategory":  "Page Visibility",
		"eventAction":    "track",
		"eventValue":     seconds,
		"eventLabel":     NotSet,
	}
	if hitTime > 0 {
		defaults["queueTime"] = now - hitTime
	}
	if p.opts.VisibleMetricIndex > 0 {
		defaults["metric"+strconv.Itoa(p.opts.VisibleMetricIndex)] = seconds
	}
	p.Send("event", p.opts.Compose(defaults, nil, hit.FilterContext{Plugin: Name}))
}

func (p *Plugin) sendPageview(hitTime int64, pageLoad bool) {
	defaults := hit.Fields{"transport": "beacon"}
	if hitTime > 0 {
		defaults["queueTime"] = p.Clock().Now().UnixMilli() - hitTime
	}
	if pageLoad && p.opts.PageLoadsMetricIndex > 0 {
		defaults["metric"+strconv.Itoa(p.opts.PageLoadsMetricIndex)] = 1
	}
	p.Send("pageview", p.opts.Compose(defaults, nil, hit.FilterContext{Plugin: Name}))
}

func (p *Plugin) sendPageLoad() {
	defaults := hit.Fields{
		"transport":      "beacon",
		"eventCategory":  "Page Visibility",
		"eventAction":    "page load",
		"eventLabel":     NotSet,
		"nonInteraction": true,
		"metric" + strconv.Itoa(p.opts.PageLoadsMetricIndex): 1,
	}
	p.Send("event", p.opts.Compose(defaults, nil, hit.FilterContext{Plugin: Name}))
}

var (
	_ plugin.Plugin  = (*Plugin)(nil)
	_ plugin.Starter = (*Plugin)(nil)
)
