package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/page/htmldoc"
	"github.com/harun/autotrack/pkg/page/pagetest"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTransport struct{ n int }

func (c *countingTransport) Send(context.Context, tracker.Hit) error {
	c.n++
	return nil
}

type stubPlugin struct {
	*Base
}

func stubConstructor(t *tracker.Tracker, env Env, _ map[string]any) (Plugin, error) {
	return &stubPlugin{Base: NewBase("stub", 0, t, env)}, nil
}

func newTestTracker(fc clock.Clock, tr tracker.Transport) *tracker.Tracker {
	return tracker.New("UA-1", tracker.Options{Transport: tr, Clock: fc, Logger: zerolog.Nop()})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Provide("stub", "1.2.0", stubConstructor))

	t.Run("rejects duplicates", func(t *testing.T) {
		err := r.Provide("stub", "1.3.0", stubConstructor)
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("rejects bad versions", func(t *testing.T) {
		err := r.Provide("other", "not-a-version", stubConstructor)
		assert.Error(t, err)
		_, ok := r.Lookup("other")
		assert.False(t, ok)
	})

	t.Run("requires by name", func(t *testing.T) {
		tr := newTestTracker(clock.Real(), &countingTransport{})
		p, err := r.Require("stub", tr, Env{Logger: zerolog.Nop()}, nil)
		require.NoError(t, err)
		assert.Equal(t, "stub", p.Name())
		p.Remove()
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := r.Require("missing", nil, Env{}, nil)
		assert.ErrorIs(t, err, ErrUnknownPlugin)
	})

	t.Run("version constraint", func(t *testing.T) {
		tr := newTestTracker(clock.Real(), &countingTransport{})
		p, err := r.RequireVersion("stub", "^1.0.0", tr, Env{Logger: zerolog.Nop()}, nil)
		require.NoError(t, err)
		p.Remove()

		_, err = r.RequireVersion("stub", ">=2.0.0", tr, Env{Logger: zerolog.Nop()}, nil)
		assert.ErrorIs(t, err, ErrVersion)
	})

	t.Run("constructor errors are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		require.NoError(t, r.Provide("broken", "1.0.0", func(*tracker.Tracker, Env, map[string]any) (Plugin, error) {
			return nil, boom
		}))
		_, err := r.Require("broken", nil, Env{}, nil)
		assert.ErrorIs(t, err, boom)
	})

	assert.Equal(t, []string{"broken", "stub"}, r.Names())
}

func TestBase_RemoveDetachesEverything(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	tr := &countingTransport{}
	trk := newTestTracker(fc, tr)
	p := pagetest.New("https://example.com/")
	doc := htmldoc.MustParse(`<a id="link" href="/x">x</a>`)

	b := NewBase("stub", 3, trk, Env{Page: p, Logger: zerolog.Nop()})
	assert.Equal(t, "8", trk.Usage())

	clicks := 0
	b.Listen(p, page.EventClick, func(page.Event) { clicks++ })
	b.Delegate(p, page.EventClick, "a", func(page.Event, page.Element) { clicks++ })
	b.Intercept(tracker.TaskBuild, func(next hit.Task) hit.Task { return next })
	fired := false
	b.AfterFunc(time.Second, func() { fired = true })
	var order []string
	b.Defer(func() { order = append(order, "first") })
	b.Defer(func() { order = append(order, "second") })

	p.Click(doc.Query("#link"))
	assert.Equal(t, 2, clicks)
	assert.Equal(t, 1, trk.Task(tracker.TaskBuild).Len())

	b.Remove()
	b.Remove()
	assert.False(t, b.Active())
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, 0, p.ListenerCount(page.EventClick))
	assert.Equal(t, 0, trk.Task(tracker.TaskBuild).Len())

	p.Click(doc.Query("#link"))
	fc.Advance(2 * time.Second)
	assert.Equal(t, 2, clicks)
	assert.False(t, fired)

	b.Send("event", nil)
	assert.Zero(t, tr.n)

	ran := false
	b.Defer(func() { ran = true })
	assert.True(t, ran, "defer after remove runs immediately")
}

func TestBase_GuardStopsInFlightHandler(t *testing.T) {
	trk := newTestTracker(clock.Real(), &countingTransport{})
	b := NewBase("stub", 0, trk, Env{Logger: zerolog.Nop()})
	calls := 0
	guarded := b.Guard(func() { calls++ })
	guarded()
	b.Remove()
	guarded()
	assert.Equal(t, 1, calls)
}

func TestDebouncer(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	runs := 0
	d := NewDebouncer(fc, 500*time.Millisecond, func() { runs++ })

	d.Trigger()
	fc.Advance(300 * time.Millisecond)
	d.Trigger()
	fc.Advance(300 * time.Millisecond)
	assert.Equal(t, 0, runs)
	assert.True(t, d.Pending())

	fc.Advance(200 * time.Millisecond)
	assert.Equal(t, 1, runs)
	assert.False(t, d.Pending())

	d.Trigger()
	d.Stop()
	fc.Advance(time.Second)
	assert.Equal(t, 1, runs)
}

type testOptions struct {
	Common    `mapstructure:",squash"`
	Threshold int           `mapstructure:"threshold"`
	Debounce  time.Duration `mapstructure:"debounce"`
	Events    []string      `mapstructure:"events"`
	ShouldRun func(string) bool
}

func TestDecodeOptions(t *testing.T) {
	var opts testOptions
	err := DecodeOptions(map[string]any{
		"threshold": "25",
		"debounce":  "750ms",
		"events":    "click,auxclick",
		"fieldsObj": map[string]any{"nonInteraction": true},
		"hitFilter": func(m *hit.Model, _ hit.FilterContext) error {
			m.Set("filtered", true)
			return nil
		},
		"shouldRun": func(s string) bool { return s == "yes" },
	}, &opts)
	require.NoError(t, err)
	opts.Normalize()

	assert.Equal(t, 25, opts.Threshold)
	assert.Equal(t, 750*time.Millisecond, opts.Debounce)
	assert.Equal(t, []string{"click", "auxclick"}, opts.Events)
	assert.Equal(t, hit.Fields{"nonInteraction": true}, opts.FieldsObj)
	assert.Equal(t, DefaultAttributePrefix, opts.AttributePrefix)
	require.NotNil(t, opts.HitFilter)
	require.NotNil(t, opts.ShouldRun)
	assert.True(t, opts.ShouldRun("yes"))

	m := hit.NewModel(nil)
	require.NoError(t, opts.HitFilter(m, hit.FilterContext{}))
	assert.Equal(t, true, m.Get("filtered"))
}

func TestDecodeOptions_InvalidTypeKeepsOtherOptions(t *testing.T) {
	opts := testOptions{Threshold: 20}
	err := DecodeOptions(map[string]any{
		"threshold": "twenty",
		"debounce":  "2s",
		"events":    "click",
	}, &opts)

	var oe *OptionError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "threshold", oe.Key)
	assert.Equal(t, 20, opts.Threshold, "the bad option keeps its previous value")
	assert.Equal(t, 2*time.Second, opts.Debounce)
	assert.Equal(t, []string{"click"}, opts.Events)
}

func TestDecodeOptions_BadTarget(t *testing.T) {
	var opts testOptions
	assert.Error(t, DecodeOptions(map[string]any{"threshold": 1}, opts))
	assert.Error(t, DecodeOptions(nil, (*testOptions)(nil)))
}

func TestDecodeOptions_Units(t *testing.T) {
	type unitOptions struct {
		Timeout Minutes       `mapstructure:"timeout"`
		Delay   time.Duration `mapstructure:"delay"`
	}

	tests := []struct {
		name        string
		raw         map[string]any
		wantTimeout time.Duration
		wantDelay   time.Duration
	}{
		{"int minutes", map[string]any{"timeout": 30}, 30 * time.Minute, 0},
		{"float minutes", map[string]any{"timeout": 0.5}, 30 * time.Second, 0},
		{"numeric string minutes", map[string]any{"timeout": "45"}, 45 * time.Minute, 0},
		{"duration string", map[string]any{"timeout": "1h"}, time.Hour, 0},
		{"milliseconds", map[string]any{"delay": 5000}, 0, 5 * time.Second},
		{"json float milliseconds", map[string]any{"delay": float64(250)}, 0, 250 * time.Millisecond},
		{"duration string delay", map[string]any{"delay": "750ms"}, 0, 750 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts unitOptions
			require.NoError(t, DecodeOptions(tt.raw, &opts))
			assert.Equal(t, tt.wantTimeout, opts.Timeout.Duration())
			assert.Equal(t, tt.wantDelay, opts.Delay)
		})
	}

	t.Run("invalid minutes", func(t *testing.T) {
		var opts unitOptions
		err := DecodeOptions(map[string]any{"timeout": "soon"}, &opts)
		assert.Error(t, err)
		assert.Zero(t, opts.Timeout)
	})
}

func TestLoadOptions(t *testing.T) {
	env := Env{Logger: zerolog.Nop()}

	opts := testOptions{Threshold: 20}
	require.NoError(t, LoadOptions(env, "stub", map[string]any{"threshold": "twenty", "debounce": "1s"}, &opts))
	assert.Equal(t, 20, opts.Threshold)
	assert.Equal(t, time.Second, opts.Debounce)

	assert.Error(t, LoadOptions(env, "stub", nil, testOptions{}))
}

func TestBase_LoggerIsAddressable(t *testing.T) {
	trk := newTestTracker(clock.Real(), &countingTransport{})
	b := NewBase("stub", 0, trk, Env{Logger: zerolog.Nop()})
	defer b.Remove()
	require.NotNil(t, b.Logger())
	b.Logger().Debug().Msg("logger usable through the accessor")
}

func TestBase_AfterFuncForgetsFiredTimers(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	trk := newTestTracker(fc, &countingTransport{})
	b := NewBase("stub", 0, trk, Env{Logger: zerolog.Nop()})

	releases := func() int {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.releases)
	}

	fired := 0
	for range 100 {
		b.AfterFunc(time.Second, func() { fired++ })
		fc.Advance(time.Second)
	}
	assert.Equal(t, 100, fired)
	assert.Zero(t, releases())

	b.AfterFunc(time.Second, func() { fired++ })
	assert.Equal(t, 1, releases())
	b.Remove()
	fc.Advance(time.Second)
	assert.Equal(t, 100, fired)

	b.AfterFunc(0, func() { fired++ })
	fc.Advance(time.Second)
	assert.Equal(t, 100, fired, "timers started after remove never fire")
}

func TestBase_CallRecoversPanics(t *testing.T) {
	var reported []error
	trk := tracker.New("UA-1", tracker.Options{
		Transport: &countingTransport{},
		Logger:    zerolog.Nop(),
		OnError:   func(err error) { reported = append(reported, err) },
	})
	b := NewBase("stub", 0, trk, Env{Logger: zerolog.Nop()})
	defer b.Remove()

	ran := false
	assert.True(t, b.Call("event", func() { ran = true }))
	assert.True(t, ran)
	assert.Empty(t, reported)

	assert.False(t, b.Call("event", func() { panic("integrator bug") }))
	require.Len(t, reported, 1)
	var fe *hit.FilterError
	require.ErrorAs(t, reported[0], &fe)
	assert.Equal(t, "stub", fe.Plugin)
}

func TestAttributeFields(t *testing.T) {
	doc := htmldoc.MustParse(`<button id="b" ga-on="click" ga-event-category="Video" ga-event-action="play" data-x="1">Play</button>`)
	fields := AttributeFields(doc.Query("#b"), "ga-")
	assert.Equal(t, hit.Fields{"on": "click", "eventCategory": "Video", "eventAction": "play"}, fields)
	assert.Empty(t, AttributeFields(nil, "ga-"))
}

func TestCamelCase(t *testing.T) {
	assert.Equal(t, "eventCategory", CamelCase("event-category"))
	assert.Equal(t, "hitType", CamelCase("hit-type"))
	assert.Equal(t, "dimension1", CamelCase("dimension1"))
	assert.Equal(t, "a", CamelCase("-a"))
}

func TestEnvFor(t *testing.T) {
	p := pagetest.New("https://example.com/")
	env := EnvFor(p, nil, zerolog.Nop())
	assert.NotNil(t, env.Observer)
	assert.NotNil(t, env.Media)
	assert.NotNil(t, env.History)
	assert.NotNil(t, env.Elements)
}
