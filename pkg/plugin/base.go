package plugin

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/harun/autotrack/internal/observability"
	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/rs/zerolog"
)

// Base carries the lifecycle every plugin shares. Embed it and register
// cleanups with Defer; Remove runs them in reverse order, once.
type Base struct {
	name    string
	tracker *tracker.Tracker
	logger  zerolog.Logger

	mu       sync.Mutex
	removed  bool
	seq      int
	releases map[int]func()
}

// NewBase starts the lifecycle of plugin name on t and records its usage bit.
func NewBase(name string, usageBit uint, t *tracker.Tracker, env Env) *Base {
	t.MarkUsage(usageBit)
	observability.PluginActivated(name)
	return &Base{
		name:     name,
		tracker:  t,
		logger:   env.Logger.With().Str("component", "plugin").Str("plugin", name).Logger(),
		releases: make(map[int]func()),
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Tracker() *tracker.Tracker {
	return b.tracker
}

func (b *Base) Logger() *zerolog.Logger {
	return &b.logger
}

func (b *Base) Clock() clock.Clock {
	return b.tracker.Clock()
}

// Active reports whether Remove has not been called. Handlers check it
// first so an event already in flight does nothing after removal.
func (b *Base) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.removed
}

// Defer registers fn to run on Remove. After Remove it runs fn at once.
func (b *Base) Defer(fn func()) {
	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		fn()
		return
	}
	b.seq++
	b.releases[b.seq] = fn
	b.mu.Unlock()
}

// Remove releases everything registered with Defer. It is idempotent.
func (b *Base) Remove() {
	b.mu.Lock()
	if b.removed {
		b.mu.Unlock()
		return
	}
	b.removed = true
	releases := b.releases
	b.releases = nil
	b.mu.Unlock()

	ids := slices.Sorted(maps.Keys(releases))
	for i := len(ids) - 1; i >= 0; i-- {
		releases[ids[i]]()
	}
	observability.PluginRemoved(b.name)
	b.logger.Debug().Msg("Plugin removed")
}

// Guard wraps fn so it does nothing once the plugin is removed.
func (b *Base) Guard(fn func()) func() {
	return func() {
		if b.Active() {
			fn()
		}
	}
}

// Listen adds a guarded listener to p until Remove.
func (b *Base) Listen(p page.Page, eventType string, fn page.Listener) {
	remove := p.AddEventListener(eventType, func(ev page.Event) {
		if b.Active() {
			fn(ev)
		}
	})
	b.Defer(remove)
}

// Delegate is Listen for events whose target has an ancestor matching selector.
func (b *Base) Delegate(p page.Page, eventType, selector string, fn func(ev page.Event, el page.Element)) {
	remove := page.Delegate(p, eventType, selector, func(ev page.Event, el page.Element) {
		if b.Active() {
			fn(ev, el)
		}
	})
	b.Defer(remove)
}

// Intercept adds ic to the tracker's task chain until Remove.
func (b *Base) Intercept(task string, ic hit.Interceptor) {
	chain := b.tracker.Task(task)
	if chain == nil {
		b.logger.Debug().Str("task", task).Msg("Unknown task, not intercepting")
		return
	}
	h := chain.Add(ic)
	b.Defer(h.Remove)
}

// Watch observes tracker field changes until Remove.
func (b *Base) Watch(fn func(changed hit.Fields)) {
	remove := b.tracker.Watch(func(changed hit.Fields) {
		if b.Active() {
			fn(changed)
		}
	})
	b.Defer(remove)
}

// WatchBefore observes tracker fields about to change until Remove.
func (b *Base) WatchBefore(fn func(changing hit.Fields)) {
	remove := b.tracker.WatchBefore(func(changing hit.Fields) {
		if b.Active() {
			fn(changing)
		}
	})
	b.Defer(remove)
}

// AfterFunc runs fn after d unless the plugin is removed first. The timer
// is forgotten once it fires.
func (b *Base) AfterFunc(d time.Duration, fn func()) clock.Timer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := b.seq
	t := b.Clock().AfterFunc(d, func() {
		b.mu.Lock()
		delete(b.releases, id)
		b.mu.Unlock()
		if b.Active() {
			fn()
		}
	})
	if b.removed {
		t.Stop()
		return t
	}
	b.releases[id] = func() { t.Stop() }
	return t
}

// Debounce returns a Debouncer for fn that is stopped on Remove.
func (b *Base) Debounce(d time.Duration, fn func()) *Debouncer {
	deb := NewDebouncer(b.Clock(), d, b.Guard(fn))
	b.Defer(deb.Stop)
	return deb
}

// Send sends a hit if the plugin is active. Failures have already been
// reported by the tracker and are only logged here.
func (b *Base) Send(hitType string, fields hit.Fields) {
	if !b.Active() {
		return
	}
	if err := b.tracker.Send(hitType, fields); err != nil && !errors.Is(err, hit.ErrCancel) {
		b.logger.Debug().Err(err).Str("hit_type", hitType).Msg("Hit not sent")
	}
}

// Call runs an integrator callback for a hit of hitType. A panic is
// reported to the tracker as a dropped hit and Call returns false.
func (b *Base) Call(hitType string, fn func()) bool {
	if err := hit.Recover(b.name, fn); err != nil {
		b.tracker.Drop(hitType, err)
		return false
	}
	return true
}

// Debouncer runs fn once calls to Trigger have stopped for the delay.
type Debouncer struct {
	clock clock.Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	gen   int
	timer clock.Timer
}

func NewDebouncer(c clock.Clock, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: c, delay: delay, fn: fn}
}

// Trigger restarts the delay.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels a scheduled run.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
