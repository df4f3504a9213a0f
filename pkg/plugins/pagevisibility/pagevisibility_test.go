package pagevisibility

import (
	"testing"
	"time"

	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, tab *plugintest.Tab, raw map[string]any) *Plugin {
	t.Helper()
	p, err := New(tab.Tracker, tab.Env, raw)
	require.NoError(t, err)
	t.Cleanup(p.Remove)
	vp := p.(*Plugin)
	vp.Start()
	return vp
}

func TestPageVisibility_ReportsVisibleTimeWhenHidden(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	start(t, tab, map[string]any{"visibleMetricIndex": 3})

	h.Advance(12 * time.Second)
	tab.Page.SetVisibility(page.Hidden)

	hits := tab.HitsOfType("event")
	require.Len(t, hits, 1)
	assert.Equal(t, "Page Visibility", hits[0].Fields["eventCategory"])
	assert.Equal(t, "track", hits[0].Fields["eventAction"])
	assert.Equal(t, 12, hits[0].Fields["eventValue"])
	assert.Equal(t, 12, hits[0].Fields["metric3"])
	assert.Equal(t, NotSet, hits[0].Fields["eventLabel"])
	assert.Equal(t, true, hits[0].Fields["nonInteraction"])
}

func TestPageVisibility_ShortStretchNotReported(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	start(t, tab, nil)

	h.Advance(3 * time.Second)
	tab.Page.SetVisibility(page.Hidden)
	assert.Zero(t, tab.Hits.Len())
}

func TestPageVisibility_NewSessionSendsPageview(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	start(t, tab, nil)

	h.Advance(10 * time.Second)
	tab.Page.SetVisibility(page.Hidden)
	require.Len(t, tab.HitsOfType("event"), 1)

	h.Advance(40 * time.Minute)
	tab.Page.SetVisibility(page.Visible)
	assert.Empty(t, tab.HitsOfType("pageview"), "the pageview waits for the visible threshold")

	h.Advance(DefaultVisibleThreshold)
	pageviews := tab.HitsOfType("pageview")
	require.Len(t, pageviews, 1)
	assert.Equal(t, int64(DefaultVisibleThreshold/time.Millisecond), pageviews[0].Fields["queueTime"])
}

func TestPageVisibility_NumericOptions(t *testing.T) {
	tests := []struct {
		name          string
		gap           time.Duration
		wantPageviews int
	}{
		{"hidden within session timeout", 10 * time.Minute, 0},
		{"hidden past session timeout", 40 * time.Minute, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := plugintest.New(t)
			tab := h.NewTab("https://example.com/")
			p := start(t, tab, map[string]any{"sessionTimeout": 30, "visibleThreshold": 2000, "timeZone": "UTC"})
			assert.Equal(t, 30*time.Minute, p.opts.SessionTimeout.Duration())
			assert.Equal(t, 2*time.Second, p.opts.VisibleThreshold)

			h.Advance(10 * time.Second)
			tab.Page.SetVisibility(page.Hidden)
			require.Len(t, tab.HitsOfType("event"), 1)

			h.Advance(tt.gap)
			tab.Page.SetVisibility(page.Visible)
			h.Advance(2 * time.Second)
			assert.Len(t, tab.HitsOfType("pageview"), tt.wantPageviews)
		})
	}
}

func TestPageVisibility_BriefVisitInNewSessionIgnored(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	start(t, tab, nil)

	tab.Page.SetVisibility(page.Hidden)
	h.Advance(time.Hour)
	tab.Page.SetVisibility(page.Visible)
	h.Advance(2 * time.Second)
	tab.Page.SetVisibility(page.Hidden)
	h.Advance(time.Minute)

	assert.Empty(t, tab.HitsOfType("pageview"))
	assert.Empty(t, tab.HitsOfType("event"))
}

func TestPageVisibility_InitialPageview(t *testing.T) {
	t.Run("visible at load", func(t *testing.T) {
		h := plugintest.New(t)
		tab := h.NewTab("https://example.com/")
		start(t, tab, map[string]any{"sendInitialPageview": true, "pageLoadsMetricIndex": 1})

		pageviews := tab.HitsOfType("pageview")
		require.Len(t, pageviews, 1)
		assert.Equal(t, 1, pageviews[0].Fields["metric1"])
	})

	t.Run("hidden at load", func(t *testing.T) {
		h := plugintest.New(t)
		tab := h.NewTab("https://example.com/")
		tab.Page.SetVisibility(page.Hidden)
		start(t, tab, map[string]any{"sendInitialPageview": true, "pageLoadsMetricIndex": 1})

		events := tab.HitsOfType("event")
		require.Len(t, events, 1)
		assert.Equal(t, "page load", events[0].Fields["eventAction"])
		assert.Empty(t, tab.HitsOfType("pageview"))

		h.Advance(time.Second)
		tab.Page.SetVisibility(page.Visible)
		h.Advance(time.Second)
		tab.Page.SetVisibility(page.Hidden)
		tab.Page.SetVisibility(page.Visible)
		assert.Len(t, tab.HitsOfType("pageview"), 1, "the initial pageview is sent once")
	})
}

func TestPageVisibility_OtherTabTakesOver(t *testing.T) {
	h := plugintest.New(t)
	first := h.NewTab("https://example.com/a")
	second := h.NewTab("https://example.com/b")

	start(t, first, nil)
	h.Sync()
	h.Advance(8 * time.Second)
	start(t, second, nil)
	h.Sync()

	hits := first.HitsOfType("event")
	require.Len(t, hits, 1)
	assert.Equal(t, 8, hits[0].Fields["eventValue"])
	assert.Empty(t, second.HitsOfType("event"))
}

func TestPageVisibility_PageChangeFlushesOldPage(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	tab.Tracker.Set("page", "/first")
	start(t, tab, nil)

	h.Advance(10 * time.Second)
	tab.Tracker.Set("page", "/second")

	hits := tab.HitsOfType("event")
	require.Len(t, hits, 1)
	assert.Equal(t, 10, hits[0].Fields["eventValue"])
	assert.Equal(t, "/first", hits[0].Fields["page"])

	h.Advance(6 * time.Second)
	tab.Page.SetVisibility(page.Hidden)
	hits = tab.HitsOfType("event")
	require.Len(t, hits, 2)
	assert.Equal(t, 6, hits[1].Fields["eventValue"])
	assert.Equal(t, "/second", hits[1].Fields["page"])
}

func TestPageVisibility_UnloadFlushes(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	start(t, tab, nil)

	h.Advance(7 * time.Second)
	tab.Page.Dispatch(page.Event{Type: page.EventUnload})

	hits := tab.HitsOfType("event")
	require.Len(t, hits, 1)
	assert.Equal(t, 7, hits[0].Fields["eventValue"])
}

func TestPageVisibility_RemoveDetaches(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	p := start(t, tab, nil)

	p.Remove()
	h.Advance(10 * time.Second)
	tab.Page.SetVisibility(page.Hidden)

	assert.Zero(t, tab.Hits.Len())
	assert.Equal(t, 0, tab.Page.ListenerCount(page.EventVisibilityChange))
}
