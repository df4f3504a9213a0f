package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/autotrack/internal/config"
	"github.com/harun/autotrack/internal/daemon"
	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/page/htmldoc"
	"github.com/harun/autotrack/pkg/page/pagetest"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/harun/autotrack/pkg/transport"
)

// Options configures a run.
type Options struct {
	Logger zerolog.Logger
	// Forward also delivers every hit through this transport.
	Forward tracker.Transport
}

// Result is what a run produced.
type Result struct {
	Hits []tracker.Hit
	// Elapsed is the simulated time the scenario covered.
	Elapsed time.Duration
}

type tab struct {
	id   string
	page *pagetest.Page
	doc  *htmldoc.Document
	tab  *daemon.Tab
}

type runner struct {
	daemon *daemon.Daemon
	clock  *clock.Fake
	logger zerolog.Logger
	tabs   map[string]*tab
}

// Run plays sc with cfg's plugins attached to every tab.
func Run(ctx context.Context, cfg *config.Config, sc *Scenario, opts Options) (*Result, error) {
	start := sc.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clk := clock.NewFake(start)
	rec := transport.NewRecorder()
	var tr tracker.Transport = rec
	if opts.Forward != nil {
		tr = transport.Tee{rec, opts.Forward}
	}

	d, err := daemon.New(cfg, opts.Logger, daemon.WithTransport(tr), daemon.WithClock(clk))
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		_ = d.Stop(ctx)
		return nil, err
	}

	r := &runner{
		daemon: d,
		clock:  clk,
		logger: opts.Logger.With().Str("component", "replay").Str("scenario", sc.Name).Logger(),
		tabs:   make(map[string]*tab),
	}
	runErr := r.run(ctx, sc)
	stopErr := d.Stop(ctx)

	res := &Result{Hits: rec.Hits(), Elapsed: clk.Now().Sub(start)}
	if runErr != nil {
		return res, runErr
	}
	return res, stopErr
}

func (r *runner) run(ctx context.Context, sc *Scenario) error {
	for _, spec := range sc.Tabs {
		if err := r.open(spec); err != nil {
			return err
		}
	}
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.apply(st); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Action, err)
		}
		r.daemon.Sync()
	}
	return nil
}

func (r *runner) open(spec TabSpec) error {
	if _, ok := r.tabs[spec.ID]; ok {
		return fmt.Errorf("tab %q already open", spec.ID)
	}
	p := pagetest.New(spec.URL)
	if spec.Title != "" {
		p.SetTitle(spec.Title)
	}
	var doc *htmldoc.Document
	if spec.HTML != "" {
		var err error
		if doc, err = htmldoc.Parse(spec.HTML); err != nil {
			return fmt.Errorf("tab %q: %w", spec.ID, err)
		}
		p.SetDocument(doc)
		if spec.Title == "" && doc.Title() != "" {
			p.SetTitle(doc.Title())
		}
	}
	if spec.Height > 0 || spec.Viewport > 0 {
		p.SetSize(orDefault(spec.Height, p.DocumentHeight()), orDefault(spec.Viewport, p.ViewportHeight()))
	}
	for query, matches := range spec.Media {
		p.SetMedia(query, matches)
	}
	if spec.Hidden {
		p.SetVisibility(page.Hidden)
	}

	dt, err := r.daemon.OpenTab(p)
	if err != nil {
		return fmt.Errorf("tab %q: %w", spec.ID, err)
	}
	r.tabs[spec.ID] = &tab{id: spec.ID, page: p, doc: doc, tab: dt}
	r.daemon.Sync()
	r.logger.Debug().Str("tab", spec.ID).Str("url", spec.URL).Msg("Opened tab")
	return nil
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

func (r *runner) target(name string) (*tab, error) {
	if name == "" && len(r.tabs) == 1 {
		for _, t := range r.tabs {
			return t, nil
		}
	}
	t, ok := r.tabs[name]
	if !ok {
		return nil, fmt.Errorf("no open tab %q", name)
	}
	return t, nil
}

func (t *tab) query(selector string) (page.Element, error) {
	if t.doc == nil {
		return nil, errors.New("tab has no html")
	}
	el := t.doc.Query(selector)
	if el == nil {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	return el, nil
}

func (r *runner) apply(st Step) error {
	switch st.Action {
	case ActionOpen:
		return r.open(*st.Open)
	case ActionWait:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		return nil
	}

	t, err := r.target(st.Tab)
	if err != nil {
		return err
	}
	p := t.page

	switch st.Action {
	case ActionClose:
		t.tab.Close()
		delete(r.tabs, t.id)
	case ActionScroll:
		switch {
		case st.Percent != nil:
			p.ScrollToPercent(*st.Percent)
		case st.Top != nil:
			p.ScrollTo(*st.Top)
		default:
			return errors.New("scroll needs percent or top")
		}
	case ActionResize:
		p.SetSize(orDefault(st.Height, p.DocumentHeight()), orDefault(st.Viewport, p.ViewportHeight()))
	case ActionClick, ActionSubmit:
		el, err := t.query(st.Selector)
		if err != nil {
			return err
		}
		if st.Action == ActionClick {
			p.Click(el)
		} else {
			p.Submit(el)
		}
	case ActionHide:
		p.SetVisibility(page.Hidden)
	case ActionShow:
		p.SetVisibility(page.Visible)
	case ActionNavigate:
		kind := page.NavigationKind(st.Kind)
		if kind == "" {
			kind = page.NavigationPush
		}
		p.Navigate(kind, st.URL, st.Title)
		// Navigation handlers run on the next tick.
		r.clock.Advance(0)
	case ActionMedia:
		p.SetMedia(st.Query, st.Matches)
	case ActionIntersect:
		p.Intersect(st.ID, st.Ratio)
	case ActionWidget:
		ev := page.Event{Type: st.Event, Detail: st.Detail}
		if st.Selector != "" {
			el, err := t.query(st.Selector)
			if err != nil {
				return err
			}
			ev.Target = el
		}
		p.Dispatch(ev)
	case ActionUnload:
		p.Dispatch(page.Event{Type: page.EventUnload})
	case ActionSet:
		t.tab.Tracker.SetAll(hit.Fields(st.Fields))
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}
