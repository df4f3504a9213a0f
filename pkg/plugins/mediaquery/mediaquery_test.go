package mediaquery

import (
	"github.com/harun/autotrack/pkg/hit"
	"testing"
	"time"

	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/plugin/plugintest"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sm = "(max-width: 599px)"
	md = "(min-width: 600px)"
	lg = "(min-width: 1000px)"
)

func breakpoints() map[string]any {
	return map[string]any{
		"definitions": []any{
			map[string]any{
				"name":           "Breakpoint",
				"dimensionIndex": 1,
				"items": []any{
					map[string]any{"name": "sm", "media": sm},
					map[string]any{"name": "md", "media": md},
					map[string]any{"name": "lg", "media": lg},
				},
			},
		},
	}
}

func newPlugin(t *testing.T, tab *plugintest.Tab, raw map[string]any) *Plugin {
	t.Helper()
	p, err := New(tab.Tracker, tab.Env, raw)
	require.NoError(t, err)
	t.Cleanup(p.Remove)
	return p.(*Plugin)
}

func TestMediaQuery_SetsInitialDimension(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	tab.Page.SetMedia(md, true)
	tab.Page.SetMedia(lg, true)

	newPlugin(t, tab, breakpoints())

	assert.Equal(t, "lg", tab.Tracker.Get("dimension1"), "the last matching item wins")
	assert.Zero(t, tab.Hits.Len())
}

func TestMediaQuery_NoMatchIsNotSet(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	newPlugin(t, tab, breakpoints())

	assert.Equal(t, NotSet, tab.Tracker.Get("dimension1"))
}

func TestMediaQuery_ReportsDebouncedChange(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	tab.Page.SetMedia(sm, true)
	newPlugin(t, tab, breakpoints())

	tab.Page.SetMedia(sm, false)
	tab.Page.SetMedia(md, true)
	h.Advance(500 * time.Millisecond)
	tab.Page.SetMedia(lg, true)
	assert.Zero(t, tab.Hits.Len())

	h.Advance(DefaultChangeTimeout)
	hits := tab.HitsOfType("event")
	require.Len(t, hits, 1)
	assert.Equal(t, "Breakpoint", hits[0].Fields["eventCategory"])
	assert.Equal(t, "change", hits[0].Fields["eventAction"])
	assert.Equal(t, "sm => lg", hits[0].Fields["eventLabel"])
	assert.Equal(t, "lg", hits[0].Fields["dimension1"])
	assert.Equal(t, "lg", tab.Tracker.Get("dimension1"))
}

func TestMediaQuery_ChangeBackToSameValueNotReported(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	tab.Page.SetMedia(sm, true)
	newPlugin(t, tab, breakpoints())

	tab.Page.SetMedia(sm, false)
	tab.Page.SetMedia(sm, true)
	h.Advance(DefaultChangeTimeout)

	assert.Zero(t, tab.Hits.Len())
}

func TestMediaQuery_CustomTemplate(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	raw := breakpoints()
	raw["changeTemplate"] = func(oldValue, newValue string) string { return oldValue + ":" + newValue }
	raw["changeTimeout"] = "100ms"
	newPlugin(t, tab, raw)

	tab.Page.SetMedia(md, true)
	h.Advance(100 * time.Millisecond)

	hits := tab.HitsOfType("event")
	require.Len(t, hits, 1)
	assert.Equal(t, NotSet+":md", hits[0].Fields["eventLabel"])
}

func TestMediaQuery_TemplatePanicIsReported(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	raw := breakpoints()
	raw["changeTemplate"] = func(oldValue, newValue string) string { panic("integrator bug") }
	newPlugin(t, tab, raw)

	tab.Page.SetMedia(md, true)
	require.NotPanics(t, func() { h.Advance(DefaultChangeTimeout) })

	assert.Zero(t, tab.Hits.Len())
	assert.Equal(t, "md", tab.Tracker.Get("dimension1"))
	require.Len(t, tab.Errors(), 1)
	var fe *hit.FilterError
	require.ErrorAs(t, tab.Errors()[0], &fe)
	assert.Equal(t, Name, fe.Plugin)
}

func TestMediaQuery_SkipsIncompleteDefinitions(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	newPlugin(t, tab, map[string]any{
		"definitions": []any{
			map[string]any{"name": "Orientation", "items": []any{map[string]any{"name": "p", "media": "(orientation: portrait)"}}},
		},
	})

	tab.Page.SetMedia("(orientation: portrait)", true)
	h.Advance(time.Minute)
	assert.Zero(t, tab.Hits.Len())
}

func TestMediaQuery_Unsupported(t *testing.T) {
	tr := tracker.New("UA-1", tracker.Options{Logger: zerolog.Nop()})
	p, err := New(tr, plugin.Env{Logger: zerolog.Nop()}, breakpoints())
	require.NoError(t, err)
	defer p.Remove()

	assert.Nil(t, tr.Get("dimension1"))
	assert.Equal(t, "10", tr.Usage(), "usage bit is still recorded")
}

func TestMediaQuery_RemoveStopsListening(t *testing.T) {
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	p := newPlugin(t, tab, breakpoints())

	tab.Page.SetMedia(md, true)
	p.Remove()
	h.Advance(time.Minute)

	assert.Zero(t, tab.Hits.Len())
}
