package urlchange

import (
	"github.com/harun/autotrack/pkg/hit"
	"strings"
	"testing"

	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, raw map[string]any) (*plugintest.Harness, *plugintest.Tab, *Plugin) {
	t.Helper()
	h := plugintest.New(t)
	tab := h.NewTab("https://example.com/")
	p, err := New(tab.Tracker, tab.Env, raw)
	require.NoError(t, err)
	t.Cleanup(p.Remove)
	return h, tab, p.(*Plugin)
}

func TestURLChange_PushStateSendsPageview(t *testing.T) {
	h, tab, _ := setup(t, nil)

	tab.Page.Navigate(page.NavigationPush, "/products?sort=price", "Products")
	assert.Zero(t, tab.Hits.Len(), "handled after the current turn")
	h.Advance(0)

	hits := tab.HitsOfType("pageview")
	require.Len(t, hits, 1)
	assert.Equal(t, "/products?sort=price", hits[0].Fields["page"])
	assert.Equal(t, "Products", hits[0].Fields["title"])
	assert.Equal(t, "/products?sort=price", tab.Tracker.Get("page"))
	assert.Equal(t, "Products", tab.Tracker.Get("title"))
}

func TestURLChange_ShouldTrackPanicIsReported(t *testing.T) {
	h, tab, _ := setup(t, map[string]any{
		"shouldTrackUrlChange": func(newPath, oldPath string) bool {
			panic("integrator bug")
		},
	})

	tab.Page.Navigate(page.NavigationPush, "/next", "Next")
	require.NotPanics(t, func() { h.Advance(0) })
	assert.Zero(t, tab.Hits.Len())
	require.Len(t, tab.Errors(), 1)
	var fe *hit.FilterError
	require.ErrorAs(t, tab.Errors()[0], &fe)
	assert.Equal(t, Name, fe.Plugin)
	assert.Empty(t, tab.Tracker.GetString("page"), "an untracked change leaves the tracker alone")
}

func TestURLChange_SamePathIgnored(t *testing.T) {
	h, tab, _ := setup(t, nil)

	tab.Page.Navigate(page.NavigationPush, "/#section", "Same")
	h.Advance(0)
	assert.Zero(t, tab.Hits.Len())
}

func TestURLChange_ReplaceStateUpdatesFieldsOnly(t *testing.T) {
	h, tab, _ := setup(t, nil)

	tab.Page.Navigate(page.NavigationReplace, "/replaced", "Replaced")
	h.Advance(0)

	assert.Zero(t, tab.Hits.Len())
	assert.Equal(t, "/replaced", tab.Tracker.Get("page"))
}

func TestURLChange_TrackReplaceState(t *testing.T) {
	h, tab, _ := setup(t, map[string]any{"trackReplaceState": true})

	tab.Page.Navigate(page.NavigationReplace, "/replaced", "")
	h.Advance(0)
	assert.Len(t, tab.HitsOfType("pageview"), 1)
}

func TestURLChange_PopState(t *testing.T) {
	h, tab, _ := setup(t, nil)

	tab.Page.Navigate(page.NavigationPush, "/a", "A")
	h.Advance(0)
	tab.Page.Navigate(page.NavigationPop, "/", "Home")
	h.Advance(0)

	hits := tab.HitsOfType("pageview")
	require.Len(t, hits, 2)
	assert.Equal(t, "/", hits[1].Fields["page"])
}

func TestURLChange_CustomFilter(t *testing.T) {
	h, tab, _ := setup(t, map[string]any{
		"shouldTrackUrlChange": func(newPath, oldPath string) bool {
			return !strings.HasPrefix(newPath, "/modal")
		},
	})

	tab.Page.Navigate(page.NavigationPush, "/modal/login", "Login")
	h.Advance(0)
	assert.Zero(t, tab.Hits.Len())

	tab.Page.Navigate(page.NavigationPush, "/account", "Account")
	h.Advance(0)
	assert.Len(t, tab.HitsOfType("pageview"), 1)
}

func TestURLChange_RemoveCancelsPendingChange(t *testing.T) {
	h, tab, p := setup(t, nil)

	tab.Page.Navigate(page.NavigationPush, "/later", "Later")
	p.Remove()
	h.Advance(0)
	assert.Zero(t, tab.Hits.Len())

	tab.Page.Navigate(page.NavigationPush, "/after", "After")
	h.Advance(0)
	assert.Zero(t, tab.Hits.Len())
}
