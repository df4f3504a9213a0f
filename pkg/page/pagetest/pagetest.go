// Package pagetest provides a scriptable in-memory page for tests and scenario replay.
package pagetest

import (
	"net/url"
	"sort"
	"sync"

	"github.com/harun/autotrack/pkg/page"
)

// Page is a fake browser tab. It implements page.Page, page.ObserverFactory,
// page.MediaMatcher, page.History and page.ElementFinder.
type Page struct {
	mu         sync.Mutex
	seq        int
	listeners  map[string]map[int]page.Listener
	visibility page.VisibilityState
	scrollTop  float64
	viewport   float64
	docHeight  float64
	location   *url.URL
	title      string

	doc page.ElementFinder

	media     map[string]*mediaQuery
	observers map[int]*observer
	history   map[int]func(page.NavigationKind)
}

// New creates a visible page at rawURL with a 1000px viewport over a 3000px document.
func New(rawURL string) *Page {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{}
	}
	return &Page{
		listeners:  make(map[string]map[int]page.Listener),
		visibility: page.Visible,
		viewport:   1000,
		docHeight:  3000,
		location:   u,
		media:      make(map[string]*mediaQuery),
		observers:  make(map[int]*observer),
		history:    make(map[int]func(page.NavigationKind)),
	}
}

// AddEventListener registers fn for eventType.
func (p *Page) AddEventListener(eventType string, fn page.Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := p.seq
	if p.listeners[eventType] == nil {
		p.listeners[eventType] = make(map[int]page.Listener)
	}
	p.listeners[eventType][id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners[eventType], id)
	}
}

// SetDocument sets the markup ElementByID searches.
func (p *Page) SetDocument(doc page.ElementFinder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = doc
}

// ElementByID implements page.ElementFinder.
func (p *Page) ElementByID(id string) page.Element {
	p.mu.Lock()
	doc := p.doc
	p.mu.Unlock()
	if doc == nil {
		return nil
	}
	return doc.ElementByID(id)
}

// ListenerCount returns the number of listeners registered for eventType.
func (p *Page) ListenerCount(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[eventType])
}

// Dispatch delivers ev to its listeners in registration order.
func (p *Page) Dispatch(ev page.Event) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.listeners[ev.Type]))
	for id := range p.listeners[ev.Type] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]page.Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[ev.Type][id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Click dispatches a click on target.
func (p *Page) Click(target page.Element) {
	p.Dispatch(page.Event{Type: page.EventClick, Target: target})
}

// Submit dispatches a submit on target.
func (p *Page) Submit(target page.Element) {
	p.Dispatch(page.Event{Type: page.EventSubmit, Target: target})
}

// VisibilityState returns the current visibility.
func (p *Page) VisibilityState() page.VisibilityState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibility
}

// SetVisibility changes visibility and dispatches visibilitychange.
func (p *Page) SetVisibility(state page.VisibilityState) {
	p.mu.Lock()
	p.visibility = state
	p.mu.Unlock()
	p.Dispatch(page.Event{Type: page.EventVisibilityChange})
}

// ScrollTop returns the vertical scroll offset.
func (p *Page) ScrollTop() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scrollTop
}

// ViewportHeight returns the window inner height.
func (p *Page) ViewportHeight() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// DocumentHeight returns the full scrollable height.
func (p *Page) DocumentHeight() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.docHeight
}

// SetSize changes the document and viewport heights.
func (p *Page) SetSize(documentHeight, viewportHeight float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docHeight = documentHeight
	p.viewport = viewportHeight
}

// ScrollTo sets the scroll offset and dispatches scroll.
func (p *Page) ScrollTo(top float64) {
	p.mu.Lock()
	p.scrollTop = top
	p.mu.Unlock()
	p.Dispatch(page.Event{Type: page.EventScroll})
}

// ScrollToPercent scrolls so that pct percent of the scrollable distance is covered.
func (p *Page) ScrollToPercent(pct float64) {
	p.mu.Lock()
	top := (p.docHeight - p.viewport) * pct / 100
	p.mu.Unlock()
	p.ScrollTo(top)
}

// Location returns a copy of the current URL.
func (p *Page) Location() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := *p.location
	return &u
}

// Title returns the document title.
func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// SetTitle changes the document title without navigating.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

// OnNavigate implements page.History.
func (p *Page) OnNavigate(fn func(page.NavigationKind)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := p.seq
	p.history[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.history, id)
	}
}

// Navigate changes the URL in place and notifies history listeners.
// Pop navigations also dispatch a popstate event.
func (p *Page) Navigate(kind page.NavigationKind, rawURL, title string) {
	p.mu.Lock()
	if u, err := p.location.Parse(rawURL); err == nil {
		p.location = u
	}
	if title != "" {
		p.title = title
	}
	ids := make([]int, 0, len(p.history))
	for id := range p.history {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(page.NavigationKind), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.history[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(kind)
	}
	if kind == page.NavigationPop {
		p.Dispatch(page.Event{Type: page.EventPopState})
	}
}

type mediaQuery struct {
	matches   bool
	listeners map[int]func(bool)
}

type mediaQueryList struct {
	page  *Page
	query string
}

// MatchMedia implements page.MediaMatcher.
func (p *Page) MatchMedia(query string) page.MediaQueryList {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.media[query]; !ok {
		p.media[query] = &mediaQuery{listeners: make(map[int]func(bool))}
	}
	return &mediaQueryList{page: p, query: query}
}

func (l *mediaQueryList) Matches() bool {
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	return l.page.media[l.query].matches
}

func (l *mediaQueryList) AddListener(fn func(bool)) func() {
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	l.page.seq++
	id := l.page.seq
	l.page.media[l.query].listeners[id] = fn
	return func() {
		l.page.mu.Lock()
		defer l.page.mu.Unlock()
		delete(l.page.media[l.query].listeners, id)
	}
}

// SetMedia sets whether query matches, notifying listeners when it changes.
func (p *Page) SetMedia(query string, matches bool) {
	p.mu.Lock()
	mq, ok := p.media[query]
	if !ok {
		mq = &mediaQuery{listeners: make(map[int]func(bool))}
		p.media[query] = mq
	}
	changed := mq.matches != matches
	mq.matches = matches
	var fns []func(bool)
	if changed {
		ids := make([]int, 0, len(mq.listeners))
		for id := range mq.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			fns = append(fns, mq.listeners[id])
		}
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(matches)
	}
}

type observer struct {
	page       *Page
	id         int
	thresholds []float64
	cb         func([]page.IntersectionEntry)
	observed   map[string]bool
}

// NewIntersectionObserver implements page.ObserverFactory.
func (p *Page) NewIntersectionObserver(thresholds []float64, _ string, cb func([]page.IntersectionEntry)) page.IntersectionObserver {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	o := &observer{page: p, id: p.seq, thresholds: thresholds, cb: cb, observed: make(map[string]bool)}
	p.observers[o.id] = o
	return o
}

func (o *observer) Observe(id string) {
	o.page.mu.Lock()
	defer o.page.mu.Unlock()
	o.observed[id] = true
}

func (o *observer) Unobserve(id string) {
	o.page.mu.Lock()
	defer o.page.mu.Unlock()
	delete(o.observed, id)
}

func (o *observer) Disconnect() {
	o.page.mu.Lock()
	defer o.page.mu.Unlock()
	o.observed = make(map[string]bool)
	delete(o.page.observers, o.id)
}

// Observed reports whether any live observer is watching id.
func (p *Page) Observed(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.observers {
		if o.observed[id] {
			return true
		}
	}
	return false
}

// Intersect reports that element id is now ratio visible to every observer watching it.
func (p *Page) Intersect(id string, ratio float64) {
	p.mu.Lock()
	var targets []*observer
	ids := make([]int, 0, len(p.observers))
	for oid := range p.observers {
		ids = append(ids, oid)
	}
	sort.Ints(ids)
	for _, oid := range ids {
		if o := p.observers[oid]; o.observed[id] {
			targets = append(targets, o)
		}
	}
	p.mu.Unlock()

	entry := page.IntersectionEntry{ID: id, Ratio: ratio, Intersecting: ratio > 0}
	for _, o := range targets {
		o.cb([]page.IntersectionEntry{entry})
	}
}
