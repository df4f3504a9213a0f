package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/autotrack/internal/config"
	"github.com/harun/autotrack/pkg/autotrack"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/harun/autotrack/pkg/transport"
)

func testConfig(t *testing.T, plugins ...autotrack.Require) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.TrackingID = "UA-12345-1"
	cfg.ClientID = "35009a79-1a05-49d7-b876-2b884d0f825b"
	cfg.DataDir = t.TempDir()
	cfg.Transport.RateBurst = 1000
	cfg.Plugins = plugins
	return cfg
}

func ofType(hits []tracker.Hit, hitType string) []tracker.Hit {
	var out []tracker.Hit
	for _, h := range hits {
		if h.HitType == hitType {
			out = append(out, h)
		}
	}
	return out
}

func eventsIn(hits []tracker.Hit, category string) []tracker.Hit {
	var out []tracker.Hit
	for _, h := range ofType(hits, "event") {
		if h.Fields["eventCategory"] == category {
			out = append(out, h)
		}
	}
	return out
}

func TestParse(t *testing.T) {
	t.Run("loads a scenario file", func(t *testing.T) {
		sc, err := Load(filepath.Join("testdata", "article.json"))
		require.NoError(t, err)
		assert.Equal(t, "article", sc.Name)
		require.Len(t, sc.Tabs, 1)
		assert.Equal(t, 4000.0, sc.Tabs[0].Height)
		assert.Len(t, sc.Steps, 6)
	})

	t.Run("defaults the start time", func(t *testing.T) {
		sc, err := Parse([]byte(`{"tabs":[{"id":"a","url":"https://example.com/"}],"steps":[]}`))
		require.NoError(t, err)
		assert.Equal(t, DefaultStart, sc.Start)
	})

	t.Run("rejects unknown actions", func(t *testing.T) {
		_, err := Parse([]byte(`{"tabs":[],"steps":[{"action":"teleport"}]}`))
		require.Error(t, err)
	})

	t.Run("requires fields per action", func(t *testing.T) {
		_, err := Parse([]byte(`{"tabs":[],"steps":[{"action":"click","tab":"a"}]}`))
		require.Error(t, err)
	})

	t.Run("rejects bad durations", func(t *testing.T) {
		_, err := Parse([]byte(`{"tabs":[],"steps":[{"action":"wait","duration":"soon"}]}`))
		require.Error(t, err)
	})
}

func TestRun_Article(t *testing.T) {
	cfg := testConfig(t,
		autotrack.Require{Name: "cleanUrlTracker", Options: map[string]any{"stripQuery": true}},
		autotrack.Require{Name: "pageVisibilityTracker", Options: map[string]any{"sendInitialPageview": true}},
		autotrack.Require{Name: "maxScrollTracker"},
		autotrack.Require{Name: "impressionTracker", Options: map[string]any{"elements": []any{"footer"}}},
		autotrack.Require{Name: "outboundLinkTracker"},
		autotrack.Require{Name: "urlChangeTracker"},
	)
	sc, err := Load(filepath.Join("testdata", "article.json"))
	require.NoError(t, err)

	res, err := Run(context.Background(), cfg, sc, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, res.Elapsed)

	pageviews := ofType(res.Hits, "pageview")
	require.Len(t, pageviews, 2)
	assert.Equal(t, "/blog/intro", pageviews[0].Fields["page"], "query stripped")
	assert.Equal(t, "/blog/next", pageviews[1].Fields["page"])

	scroll := eventsIn(res.Hits, "Max Scroll")
	require.Len(t, scroll, 1)
	assert.Equal(t, "50", scroll[0].Fields["eventLabel"])

	impressions := eventsIn(res.Hits, "Viewport")
	require.Len(t, impressions, 1)
	assert.Equal(t, "footer", impressions[0].Fields["eventLabel"])

	outbound := eventsIn(res.Hits, "Outbound Link")
	require.Len(t, outbound, 1)
	assert.Equal(t, "https://other.example/docs", outbound[0].Fields["eventLabel"])

	for _, h := range res.Hits {
		assert.Equal(t, "UA-12345-1", h.TrackingID)
		assert.False(t, h.Time.Before(DefaultStart))
	}
}

func TestRun_Forward(t *testing.T) {
	cfg := testConfig(t, autotrack.Require{Name: "pageVisibilityTracker", Options: map[string]any{"sendInitialPageview": true}})
	sc, err := Parse([]byte(`{"tabs":[{"id":"a","url":"https://example.com/"}],"steps":[]}`))
	require.NoError(t, err)

	fwd := transport.NewRecorder()
	res, err := Run(context.Background(), cfg, sc, Options{Logger: zerolog.Nop(), Forward: fwd})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)
	assert.Equal(t, 1, fwd.Len())
}

func TestRun_Visibility(t *testing.T) {
	cfg := testConfig(t, autotrack.Require{Name: "pageVisibilityTracker"})
	sc, err := Parse([]byte(`{
		"tabs": [{"id": "a", "url": "https://example.com/"}],
		"steps": [
			{"action": "wait", "duration": "10s"},
			{"action": "hide", "tab": "a"},
			{"action": "wait", "duration": "5s"},
			{"action": "show", "tab": "a"}
		]
	}`))
	require.NoError(t, err)

	res, err := Run(context.Background(), cfg, sc, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	events := eventsIn(res.Hits, "Page Visibility")
	require.NotEmpty(t, events)
	assert.Equal(t, "track", events[0].Fields["eventAction"])
	assert.Equal(t, 10, events[0].Fields["eventValue"])
}

func TestRun_Errors(t *testing.T) {
	cfg := testConfig(t, autotrack.Require{Name: "eventTracker"})

	t.Run("missing element", func(t *testing.T) {
		sc, err := Parse([]byte(`{
			"tabs": [{"id": "a", "url": "https://example.com/", "html": "<html><body></body></html>"}],
			"steps": [{"action": "click", "tab": "a", "selector": "#nope"}]
		}`))
		require.NoError(t, err)
		_, err = Run(context.Background(), cfg, sc, Options{Logger: zerolog.Nop()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "step 0 (click)")
	})

	t.Run("unknown tab", func(t *testing.T) {
		sc, err := Parse([]byte(`{
			"tabs": [{"id": "a", "url": "https://example.com/"}, {"id": "b", "url": "https://example.com/"}],
			"steps": [{"action": "hide", "tab": "c"}]
		}`))
		require.NoError(t, err)
		_, err = Run(context.Background(), cfg, sc, Options{Logger: zerolog.Nop()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `no open tab "c"`)
	})

	t.Run("cancelled context", func(t *testing.T) {
		sc, err := Parse([]byte(`{"tabs":[{"id":"a","url":"https://example.com/"}],"steps":[{"action":"wait","duration":"1s"}]}`))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = Run(ctx, cfg, sc, Options{Logger: zerolog.Nop()})
		require.ErrorIs(t, err, context.Canceled)
	})
}
