// Package rodpage implements page.Page over a live Chrome tab driven by go-rod.
//
// A bridge script is installed in the tab. It forwards DOM events, history
// navigation, media query changes and intersection entries to Go through an
// exposed function. Event targets are tagged with a data attribute and
// resolved against an HTML snapshot of the tab, so selector matching and
// attribute reads run in Go.
package rodpage

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
	"github.com/ysmood/gson"

	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/page/htmldoc"
)

const (
	bindingName = "__autotrackEmit"
	targetAttr  = "data-autotrack-id"
)

// Message types sent by the bridge script besides plain DOM events.
const (
	msgNavigate     = "autotrack:navigate"
	msgMedia        = "autotrack:media"
	msgIntersection = "autotrack:intersection"
)

// DefaultEvents are the DOM events forwarded when Options.Events is empty.
var DefaultEvents = []string{page.EventClick, page.EventSubmit, "contextmenu"}

// Options configures the bridge.
type Options struct {
	// Events are the delegated DOM events to forward from the document.
	Events []string
	Logger zerolog.Logger
}

type bridgeMessage struct {
	Type   string         `json:"type"`
	Target string         `json:"target"`
	Detail map[string]any `json:"detail"`
}

// Page is a live tab. It implements page.Page, page.ObserverFactory,
// page.MediaMatcher, page.History and page.ElementFinder.
type Page struct {
	rp     *rod.Page
	logger zerolog.Logger

	// snapshot returns the tab's current markup.
	snapshot func() (string, error)
	// eval runs a script in the tab.
	eval func(js string, args ...any) (gson.JSON, error)

	mu        sync.Mutex
	seq       int
	listeners map[string]map[int]page.Listener
	history   map[int]func(page.NavigationKind)
	media     map[string]map[int]func(bool)
	observers map[int]*observer

	stops []func() error
}

// New installs the bridge in rp.
func New(rp *rod.Page, opts Options) (*Page, error) {
	p := newPage(opts.Logger)
	p.rp = rp
	p.snapshot = rp.HTML
	p.eval = func(js string, args ...any) (gson.JSON, error) {
		res, err := rp.Eval(js, args...)
		if err != nil {
			return gson.JSON{}, err
		}
		return res.Value, nil
	}

	stop, err := rp.Expose(bindingName, func(j gson.JSON) (interface{}, error) {
		p.receive(j)
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expose bridge: %w", err)
	}
	p.stops = append(p.stops, stop)

	events := opts.Events
	if len(events) == 0 {
		events = DefaultEvents
	}
	script := bridgeScript(events)
	remove, err := rp.EvalOnNewDocument(script)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to install bridge: %w", err)
	}
	p.stops = append(p.stops, remove)
	if _, err := rp.Eval(script); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to install bridge: %w", err)
	}
	return p, nil
}

func newPage(logger zerolog.Logger) *Page {
	return &Page{
		logger:    logger.With().Str("component", "rodpage").Logger(),
		listeners: make(map[string]map[int]page.Listener),
		history:   make(map[int]func(page.NavigationKind)),
		media:     make(map[string]map[int]func(bool)),
		observers: make(map[int]*observer),
	}
}

// Close removes the bridge. Listeners registered on the page stay but
// receive nothing more.
func (p *Page) Close() error {
	p.mu.Lock()
	stops := p.stops
	p.stops = nil
	p.mu.Unlock()

	var firstErr error
	for _, stop := range stops {
		if err := stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// receive decodes one bridge message and dispatches it.
func (p *Page) receive(j gson.JSON) {
	var msg bridgeMessage
	if err := j.Unmarshal(&msg); err != nil {
		p.logger.Debug().Err(err).Msg("Dropping malformed bridge message")
		return
	}

	switch msg.Type {
	case msgNavigate:
		kind, _ := msg.Detail["navigation"].(string)
		p.notifyHistory(page.NavigationKind(kind))
	case msgMedia:
		query, _ := msg.Detail["query"].(string)
		matches, _ := msg.Detail["matches"].(bool)
		p.notifyMedia(query, matches)
	case msgIntersection:
		p.notifyIntersection(msg.Detail)
	default:
		ev := page.Event{Type: msg.Type, Detail: msg.Detail}
		if msg.Target != "" {
			ev.Target = p.resolve(msg.Target)
		}
		p.dispatch(ev)
	}
}

// resolve finds a tagged element in a fresh snapshot.
func (p *Page) resolve(tag string) page.Element {
	doc, err := p.document()
	if err != nil {
		p.logger.Debug().Err(err).Msg("Failed to snapshot page")
		return nil
	}
	return doc.Query("[" + targetAttr + "=\"" + tag + "\"]")
}

func (p *Page) document() (*htmldoc.Document, error) {
	if p.snapshot == nil {
		return nil, fmt.Errorf("no snapshot source")
	}
	markup, err := p.snapshot()
	if err != nil {
		return nil, err
	}
	return htmldoc.Parse(markup)
}

func (p *Page) nextID() int {
	p.seq++
	return p.seq
}

// AddEventListener implements page.Page.
func (p *Page) AddEventListener(eventType string, fn page.Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID()
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

func (p *Page) dispatch(ev page.Event) {
	p.mu.Lock()
	set := p.listeners[ev.Type]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]page.Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (p *Page) evalValue(js string, args ...any) gson.JSON {
	if p.eval == nil {
		return gson.JSON{}
	}
	v, err := p.eval(js, args...)
	if err != nil {
		p.logger.Debug().Err(err).Msg("Eval failed")
		return gson.JSON{}
	}
	return v
}

// VisibilityState implements page.Page.
func (p *Page) VisibilityState() page.VisibilityState {
	return page.VisibilityState(p.evalValue(`() => document.visibilityState`).Str())
}

// ScrollTop implements page.Page.
func (p *Page) ScrollTop() float64 {
	return p.evalValue(`() => window.pageYOffset`).Num()
}

// ViewportHeight implements page.Page.
func (p *Page) ViewportHeight() float64 {
	return p.evalValue(`() => window.innerHeight`).Num()
}

// DocumentHeight implements page.Page.
func (p *Page) DocumentHeight() float64 {
	return p.evalValue(`() => {
		const b = document.body, h = document.documentElement;
		return Math.max(b.scrollHeight, b.offsetHeight, h.clientHeight, h.scrollHeight, h.offsetHeight);
	}`).Num()
}

// Location implements page.Page.
func (p *Page) Location() *url.URL {
	u, err := url.Parse(p.evalValue(`() => location.href`).Str())
	if err != nil {
		return &url.URL{}
	}
	return u
}

// Title implements page.Page.
func (p *Page) Title() string {
	return p.evalValue(`() => document.title`).Str()
}

// ElementByID implements page.ElementFinder.
func (p *Page) ElementByID(id string) page.Element {
	doc, err := p.document()
	if err != nil {
		return nil
	}
	return doc.ElementByID(id)
}

// OnNavigate implements page.History.
func (p *Page) OnNavigate(fn func(page.NavigationKind)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID()
	p.history[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.history, id)
	}
}

func (p *Page) notifyHistory(kind page.NavigationKind) {
	p.mu.Lock()
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
}

type mediaQueryList struct {
	page  *Page
	query string
}

// MatchMedia implements page.MediaMatcher.
func (p *Page) MatchMedia(query string) page.MediaQueryList {
	return &mediaQueryList{page: p, query: query}
}

func (l *mediaQueryList) Matches() bool {
	return l.page.evalValue(`q => matchMedia(q).matches`, l.query).Bool()
}

// AddListener watches the query in the tab the first time it is listened to.
func (l *mediaQueryList) AddListener(fn func(bool)) func() {
	p := l.page
	p.mu.Lock()
	first := p.media[l.query] == nil
	if first {
		p.media[l.query] = make(map[int]func(bool))
	}
	id := p.nextID()
	p.media[l.query][id] = fn
	p.mu.Unlock()

	if first {
		p.evalValue(`q => {
			matchMedia(q).addListener(e => window.`+bindingName+`({type: '`+msgMedia+`', detail: {query: q, matches: e.matches}}));
		}`, l.query)
	}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.media[l.query], id)
	}
}

func (p *Page) notifyMedia(query string, matches bool) {
	p.mu.Lock()
	set := p.media[query]
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(matches)
	}
}

type observer struct {
	page *Page
	id   int
	cb   func([]page.IntersectionEntry)
}

// NewIntersectionObserver implements page.ObserverFactory.
func (p *Page) NewIntersectionObserver(thresholds []float64, rootMargin string, cb func([]page.IntersectionEntry)) page.IntersectionObserver {
	p.mu.Lock()
	o := &observer{page: p, id: p.nextID(), cb: cb}
	p.observers[o.id] = o
	p.mu.Unlock()

	p.evalValue(`(id, threshold, rootMargin) => {
		window.__autotrackObservers = window.__autotrackObservers || {};
		window.__autotrackObservers[id] = new IntersectionObserver(entries => window.`+bindingName+`({
			type: '`+msgIntersection+`',
			detail: {observer: id, entries: entries.map(e => ({id: e.target.id, ratio: e.intersectionRatio, intersecting: e.isIntersecting}))},
		}), {threshold, rootMargin});
	}`, o.id, thresholds, rootMargin)
	return o
}

func (o *observer) Observe(id string) {
	o.page.evalValue(`(o, id) => {
		const el = document.getElementById(id);
		if (el) window.__autotrackObservers[o].observe(el);
	}`, o.id, id)
}

func (o *observer) Unobserve(id string) {
	o.page.evalValue(`(o, id) => {
		const el = document.getElementById(id);
		if (el) window.__autotrackObservers[o].unobserve(el);
	}`, o.id, id)
}

func (o *observer) Disconnect() {
	o.page.mu.Lock()
	delete(o.page.observers, o.id)
	o.page.mu.Unlock()
	o.page.evalValue(`o => {
		window.__autotrackObservers[o].disconnect();
		delete window.__autotrackObservers[o];
	}`, o.id)
}

func (p *Page) notifyIntersection(detail map[string]any) {
	id, _ := detail["observer"].(float64)
	p.mu.Lock()
	o := p.observers[int(id)]
	p.mu.Unlock()
	if o == nil {
		return
	}

	raw, _ := detail["entries"].([]any)
	entries := make([]page.IntersectionEntry, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		e := page.IntersectionEntry{}
		e.ID, _ = m["id"].(string)
		e.Ratio, _ = m["ratio"].(float64)
		e.Intersecting, _ = m["intersecting"].(bool)
		entries = append(entries, e)
	}
	if len(entries) > 0 {
		o.cb(entries)
	}
}

// bridgeScript forwards events to the exposed binding. It is idempotent so
// it can run both on new documents and on the current one.
func bridgeScript(events []string) string {
	list := "["
	for i, ev := range events {
		if i > 0 {
			list += ","
		}
		list += strconv.Quote(ev)
	}
	list += "]"

	return `() => {
	if (window.__autotrackBridge) return;
	window.__autotrackBridge = true;
	let seq = 0;
	const send = (type, target, detail) => {
		let id = '';
		if (target && target.setAttribute) {
			id = target.getAttribute('` + targetAttr + `') || String(++seq);
			target.setAttribute('` + targetAttr + `', id);
		}
		window.` + bindingName + `({type, target: id, detail: detail || {}});
	};
	for (const type of ` + list + `) {
		document.addEventListener(type, e => send(type, e.target), true);
	}
	document.addEventListener('visibilitychange', () => send('` + page.EventVisibilityChange + `'));
	window.addEventListener('scroll', () => send('` + page.EventScroll + `'), {passive: true});
	window.addEventListener('beforeunload', () => send('` + page.EventUnload + `'));
	window.addEventListener('popstate', () => {
		send('` + page.EventPopState + `');
		send('` + msgNavigate + `', null, {navigation: '` + string(page.NavigationPop) + `'});
	});
	for (const kind of ['` + string(page.NavigationPush) + `', '` + string(page.NavigationReplace) + `']) {
		const orig = history[kind];
		history[kind] = function (...args) {
			const result = orig.apply(this, args);
			send('` + msgNavigate + `', null, {navigation: kind});
			return result;
		};
	}
}`
}

var (
	_ page.Page            = (*Page)(nil)
	_ page.ObserverFactory = (*Page)(nil)
	_ page.MediaMatcher    = (*Page)(nil)
	_ page.History         = (*Page)(nil)
	_ page.ElementFinder   = (*Page)(nil)
)
