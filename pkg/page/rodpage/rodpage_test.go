package rodpage

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/harun/autotrack/pkg/page"
)

const snapshotMarkup = `<html><body>
<a id="out" href="https://other.example/" data-autotrack-id="3"><span data-autotrack-id="4">go</span></a>
<div id="hero">Hero</div>
</body></html>`

func offlinePage() *Page {
	p := newPage(zerolog.Nop())
	p.snapshot = func() (string, error) { return snapshotMarkup, nil }
	return p
}

func send(p *Page, msg map[string]any) {
	p.receive(gson.New(msg))
}

func TestReceive_DispatchesDOMEvents(t *testing.T) {
	p := offlinePage()

	var got []page.Event
	remove := p.AddEventListener(page.EventClick, func(ev page.Event) { got = append(got, ev) })

	send(p, map[string]any{"type": "click", "target": "4"})
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Target)
	assert.Equal(t, "span", got[0].Target.TagName())

	link := got[0].Target.Closest("a")
	require.NotNil(t, link)
	href, _ := link.Attr("href")
	assert.Equal(t, "https://other.example/", href)

	remove()
	send(p, map[string]any{"type": "click", "target": "4"})
	assert.Len(t, got, 1)
}

func TestReceive_TargetlessEvents(t *testing.T) {
	p := offlinePage()
	count := 0
	p.AddEventListener(page.EventVisibilityChange, func(ev page.Event) {
		assert.Nil(t, ev.Target)
		count++
	})

	send(p, map[string]any{"type": page.EventVisibilityChange})
	assert.Equal(t, 1, count)
}

func TestReceive_SnapshotFailure(t *testing.T) {
	p := newPage(zerolog.Nop())
	p.snapshot = func() (string, error) { return "", errors.New("detached") }

	var got page.Event
	p.AddEventListener(page.EventClick, func(ev page.Event) { got = ev })
	send(p, map[string]any{"type": "click", "target": "3"})
	assert.Equal(t, page.EventClick, got.Type)
	assert.Nil(t, got.Target)
}

func TestReceive_Navigation(t *testing.T) {
	p := offlinePage()
	var kinds []page.NavigationKind
	remove := p.OnNavigate(func(k page.NavigationKind) { kinds = append(kinds, k) })

	send(p, map[string]any{"type": msgNavigate, "detail": map[string]any{"navigation": "pushState"}})
	send(p, map[string]any{"type": msgNavigate, "detail": map[string]any{"navigation": "popstate"}})
	assert.Equal(t, []page.NavigationKind{page.NavigationPush, page.NavigationPop}, kinds)

	remove()
	send(p, map[string]any{"type": msgNavigate, "detail": map[string]any{"navigation": "replaceState"}})
	assert.Len(t, kinds, 2)
}

func TestReceive_Media(t *testing.T) {
	p := offlinePage()
	var evals int
	p.eval = func(js string, args ...any) (gson.JSON, error) {
		evals++
		return gson.New(true), nil
	}

	mql := p.MatchMedia("(min-width: 600px)")
	assert.True(t, mql.Matches())

	var got []bool
	mql.AddListener(func(m bool) { got = append(got, m) })
	p.MatchMedia("(min-width: 600px)").AddListener(func(bool) {})
	assert.Equal(t, 2, evals, "the query is watched in the tab once")

	send(p, map[string]any{"type": msgMedia, "detail": map[string]any{"query": "(min-width: 600px)", "matches": false}})
	send(p, map[string]any{"type": msgMedia, "detail": map[string]any{"query": "print", "matches": true}})
	assert.Equal(t, []bool{false}, got)
}

func TestReceive_Intersections(t *testing.T) {
	p := offlinePage()
	p.eval = func(string, ...any) (gson.JSON, error) { return gson.New(nil), nil }

	var got []page.IntersectionEntry
	obs := p.NewIntersectionObserver([]float64{0.5}, "0px", func(entries []page.IntersectionEntry) {
		got = append(got, entries...)
	})
	id := obs.(*observer).id

	send(p, map[string]any{"type": msgIntersection, "detail": map[string]any{
		"observer": id,
		"entries":  []any{map[string]any{"id": "hero", "ratio": 0.75, "intersecting": true}},
	}})
	require.Len(t, got, 1)
	assert.Equal(t, page.IntersectionEntry{ID: "hero", Ratio: 0.75, Intersecting: true}, got[0])

	obs.Disconnect()
	send(p, map[string]any{"type": msgIntersection, "detail": map[string]any{
		"observer": id,
		"entries":  []any{map[string]any{"id": "hero", "ratio": 1, "intersecting": true}},
	}})
	assert.Len(t, got, 1)
}

func TestGeometry(t *testing.T) {
	p := offlinePage()
	values := map[string]any{}
	p.eval = func(js string, args ...any) (gson.JSON, error) {
		for k, v := range values {
			if js == k {
				return gson.New(v), nil
			}
		}
		return gson.New(nil), errors.New("unexpected script")
	}
	values[`() => window.pageYOffset`] = 250.0
	values[`() => window.innerHeight`] = 800.0
	values[`() => document.visibilityState`] = "hidden"
	values[`() => location.href`] = "https://example.com/a?b=c"

	assert.Equal(t, 250.0, p.ScrollTop())
	assert.Equal(t, 800.0, p.ViewportHeight())
	assert.Equal(t, page.Hidden, p.VisibilityState())
	assert.Equal(t, "/a", p.Location().Path)
	assert.Zero(t, p.DocumentHeight(), "eval errors read as zero")
}

func TestElementByID(t *testing.T) {
	p := offlinePage()
	el := p.ElementByID("hero")
	require.NotNil(t, el)
	assert.Equal(t, "div", el.TagName())
	assert.Nil(t, p.ElementByID("missing"))
}

func TestBridgeScript(t *testing.T) {
	js := bridgeScript([]string{"click", "submit"})
	assert.Contains(t, js, `["click","submit"]`)
	assert.Contains(t, js, "window."+bindingName)
	assert.Contains(t, js, targetAttr)
}

func TestLive(t *testing.T) {
	if !ChromeInstalled() {
		t.Skip("Chrome not installed")
	}

	b, err := Launch(LaunchOptions{Headless: true, NoSandbox: true})
	require.NoError(t, err)
	defer b.Close()

	rp, err := b.Open("about:blank")
	require.NoError(t, err)
	_, err = rp.Eval(`() => { document.title = "Live"; document.body.innerHTML = '<div id="hero" style="height:3000px">x</div>'; }`)
	require.NoError(t, err)

	p, err := New(rp, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "Live", p.Title())
	assert.Equal(t, page.Visible, p.VisibilityState())
	assert.Greater(t, p.DocumentHeight(), p.ViewportHeight())
	require.NotNil(t, p.ElementByID("hero"))
}
