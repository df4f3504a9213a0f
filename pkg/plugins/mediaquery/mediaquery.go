// Package mediaquery records which named media query matches, such as a
// breakpoint or device orientation, as a custom dimension and reports changes.
package mediaquery

import (
	"strconv"
	"sync"
	"time"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "mediaQueryTracker"
	UsageBit = 4

	DefaultChangeTimeout = time.Second
)

// NotSet is the dimension value when no item matches.
const NotSet = "(not set)"

// Item is one named media query.
type Item struct {
	Name  string `json:"name" mapstructure:"name"`
	Media string `json:"media" mapstructure:"media"`
}

// Definition groups the items reported in one dimension. When several
// items match, the last one wins.
type Definition struct {
	Name           string `json:"name" mapstructure:"name"`
	DimensionIndex int    `json:"dimensionIndex" mapstructure:"dimensionIndex"`
	Items          []Item `json:"items" mapstructure:"items"`
}

// ChangeTemplate formats the event label for a change.
type ChangeTemplate func(oldValue, newValue string) string

// DefaultChangeTemplate renders "old => new".
func DefaultChangeTemplate(oldValue, newValue string) string {
	return oldValue + " => " + newValue
}

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	Definitions    []Definition   `json:"definitions" mapstructure:"definitions"`
	ChangeTemplate ChangeTemplate `json:"-" mapstructure:"changeTemplate"`
	// ChangeTimeout debounces bursts of changes, such as while resizing.
	ChangeTimeout time.Duration `json:"changeTimeout" mapstructure:"changeTimeout"`
}

func (o *Options) normalize() {
	o.Common.Normalize()
	if o.ChangeTemplate == nil {
		o.ChangeTemplate = DefaultChangeTemplate
	}
	if o.ChangeTimeout <= 0 {
		o.ChangeTimeout = DefaultChangeTimeout
	}
}

// Plugin is a running media query tracker.
type Plugin struct {
	*plugin.Base
	opts  Options
	media page.MediaMatcher

	// mu serializes change handling.
	mu sync.Mutex
}

// New is the plugin.Constructor.
func New(t *tracker.Tracker, env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var opts Options
	if err := plugin.LoadOptions(env, Name, raw, &opts); err != nil {
		return nil, err
	}
	return NewPlugin(t, env, opts), nil
}

// NewPlugin creates the plugin from decoded options.
func NewPlugin(t *tracker.Tracker, env plugin.Env, opts Options) *Plugin {
	opts.normalize()
	p := &Plugin{
		Base:  plugin.NewBase(Name, UsageBit, t, env),
		opts:  opts,
		media: env.Media,
	}
	if p.media == nil {
		p.Logger().Debug().Msg("Media queries unsupported, tracking disabled")
		return p
	}

	for _, def := range opts.Definitions {
		if def.Name == "" || def.DimensionIndex <= 0 {
			p.Logger().Warn().Str("definition", def.Name).Msg("Skipping media query definition without name or dimension index")
			continue
		}
		t.Set(dimension(def), p.matchName(def))
		p.listen(def)
	}
	return p
}

func dimension(def Definition) string {
	return "dimension" + strconv.Itoa(def.DimensionIndex)
}

// matchName returns the name of the last matching item, or NotSet.
func (p *Plugin) matchName(def Definition) string {
	name := NotSet
	for _, item := range def.Items {
		if p.media.MatchMedia(item.Media).Matches() {
			name = item.Name
		}
	}
	return name
}

func (p *Plugin) listen(def Definition) {
	deb := p.Debounce(p.opts.ChangeTimeout, func() { p.handleChanges(def) })
	for _, item := range def.Items {
		remove := p.media.MatchMedia(item.Media).AddListener(func(bool) {
			if p.Active() {
				deb.Trigger()
			}
		})
		p.Defer(remove)
	}
}

func (p *Plugin) handleChanges(def Definition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	field := dimension(def)
	newValue := p.matchName(def)
	oldValue := p.Tracker().GetString(field)
	if newValue == oldValue {
		return
	}
	p.Tracker().Set(field, newValue)

	var label string
	if !p.Call("event", func() { label = p.opts.ChangeTemplate(oldValue, newValue) }) {
		return
	}
	defaults := hit.Fields{
		"transport":      "beacon",
		"eventCategory":  def.Name,
		"eventAction":    "change",
		"eventLabel":     label,
		"nonInteraction": true,
	}
	p.Send("event", p.opts.Compose(defaults, nil, hit.FilterContext{Plugin: Name}))
}

var _ plugin.Plugin = (*Plugin)(nil)
