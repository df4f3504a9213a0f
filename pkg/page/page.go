// Package page describes the browser surface the tracker plugins observe.
//
// Nothing here talks to a browser. Adapters (pagetest, htmldoc, rodpage)
// implement these interfaces; plugins only depend on them. Capabilities a
// browser may lack (intersection observation, media queries, the history
// API) are separate interfaces so a missing one can be detected and the
// dependent feature skipped.
package page

import "net/url"

// VisibilityState mirrors document.visibilityState.
type VisibilityState string

const (
	Visible   VisibilityState = "visible"
	Hidden    VisibilityState = "hidden"
	Prerender VisibilityState = "prerender"
)

// Well-known event types dispatched by adapters.
const (
	EventClick            = "click"
	EventSubmit           = "submit"
	EventScroll           = "scroll"
	EventVisibilityChange = "visibilitychange"
	EventPopState         = "popstate"
	EventUnload           = "beforeunload"
)

// Element is a DOM node.
type Element interface {
	TagName() string
	ID() string
	Attr(name string) (string, bool)
	// Attrs returns every attribute on the element, keyed by name.
	Attrs() map[string]string
	Matches(selector string) bool
	// Closest returns the nearest inclusive ancestor matching selector, or nil.
	Closest(selector string) Element
}

// Event is a dispatched DOM (or widget) event.
type Event struct {
	Type   string
	Target Element
	Detail map[string]any
}

// Listener handles one event.
type Listener func(ev Event)

// Page is a single browser tab.
type Page interface {
	AddEventListener(eventType string, fn Listener) (remove func())
	VisibilityState() VisibilityState
	ScrollTop() float64
	ViewportHeight() float64
	DocumentHeight() float64
	Location() *url.URL
	Title() string
}

// IntersectionEntry reports how much of an observed element is in view.
type IntersectionEntry struct {
	ID           string
	Ratio        float64
	Intersecting bool
}

// IntersectionObserver watches elements by id.
type IntersectionObserver interface {
	Observe(id string)
	Unobserve(id string)
	Disconnect()
}

// ObserverFactory creates intersection observers. thresholds are ratios in [0,1].
type ObserverFactory interface {
	NewIntersectionObserver(thresholds []float64, rootMargin string, cb func([]IntersectionEntry)) IntersectionObserver
}

// MediaQueryList is the result of matching a media query.
type MediaQueryList interface {
	Matches() bool
	AddListener(fn func(matches bool)) (remove func())
}

// MediaMatcher evaluates CSS media queries.
type MediaMatcher interface {
	MatchMedia(query string) MediaQueryList
}

// ElementFinder looks elements up by id.
type ElementFinder interface {
	ElementByID(id string) Element
}

// NavigationKind says how the history entry changed.
type NavigationKind string

const (
	NavigationPush    NavigationKind = "pushState"
	NavigationReplace NavigationKind = "replaceState"
	NavigationPop     NavigationKind = "popstate"
)

// History reports same-document URL changes.
type History interface {
	OnNavigate(fn func(kind NavigationKind)) (remove func())
}

// Delegate listens for eventType on p and invokes fn with the closest
// ancestor of the event target that matches selector.
func Delegate(p Page, eventType, selector string, fn func(ev Event, el Element)) (remove func()) {
	return p.AddEventListener(eventType, func(ev Event) {
		if ev.Target == nil {
			return
		}
		if el := ev.Target.Closest(selector); el != nil {
			fn(ev, el)
		}
	})
}

// ParseURL resolves raw against the page location. Parse failures return nil.
func ParseURL(p Page, raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	if p != nil {
		if base := p.Location(); base != nil {
			return base.ResolveReference(u)
		}
	}
	return u
}
