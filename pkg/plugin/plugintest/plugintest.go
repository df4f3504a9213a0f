// Package plugintest wires trackers, fake pages and shared storage together
// for plugin tests. Every tab created by one Harness shares a fake clock and
// an in-memory backend, so cross-tab behaviour can be exercised in-process.
package plugintest

import (
	"sync"
	"testing"
	"time"

	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/page/pagetest"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/storage"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/harun/autotrack/pkg/transport"
	"github.com/rs/zerolog"
)

// TrackingID is used by every tab.
const TrackingID = "UA-12345-1"

// Start is the fake clock's initial time.
var Start = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// Harness owns the clock and storage shared by its tabs.
type Harness struct {
	tb     testing.TB
	Clock  *clock.Fake
	Memory *storage.Memory
}

// Tab is one page with its own tracker and storage hub.
type Tab struct {
	Page    *pagetest.Page
	Hub     *storage.Hub
	Tracker *tracker.Tracker
	Hits    *transport.Recorder
	Env     plugin.Env

	mu     sync.Mutex
	errors []error
}

// New creates a Harness. Storage is closed when the test ends.
func New(tb testing.TB) *Harness {
	tb.Helper()
	mem := storage.NewMemory(0)
	tb.Cleanup(func() { _ = mem.Close() })
	return &Harness{tb: tb, Clock: clock.NewFake(Start), Memory: mem}
}

// NewTab opens a page at rawURL.
func (h *Harness) NewTab(rawURL string) *Tab {
	h.tb.Helper()
	p := pagetest.New(rawURL)
	hub := storage.NewHub(h.Memory, zerolog.Nop())
	h.tb.Cleanup(hub.Close)

	rec := transport.NewRecorder()
	tab := &Tab{Page: p, Hub: hub, Hits: rec, Env: plugin.EnvFor(p, hub, zerolog.Nop())}
	tab.Tracker = tracker.New(TrackingID, tracker.Options{
		Transport: rec,
		OnError:   tab.recordError,
		Clock:     h.Clock,
		Logger:    zerolog.Nop(),
		RateBurst: 10000,
		Fields: map[string]any{
			"location": rawURL,
			"title":    p.Title(),
		},
	})
	return tab
}

func (t *Tab) recordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, err)
}

// Errors returns the failures the tracker reported through OnError.
func (t *Tab) Errors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]error(nil), t.errors...)
}

// Sync waits until every tab has seen every storage change.
func (h *Harness) Sync() {
	h.Memory.Sync()
}

// Advance moves the clock forward, firing due timers.
func (h *Harness) Advance(d time.Duration) {
	h.Clock.Advance(d)
}

// HitsOfType returns the recorded hits of hitType in send order.
func (t *Tab) HitsOfType(hitType string) []tracker.Hit {
	var out []tracker.Hit
	for _, hit := range t.Hits.Hits() {
		if hit.HitType == hitType {
			out = append(out, hit)
		}
	}
	return out
}
