package session

import (
	"context"
	"testing"
	"time"

	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/storage"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct{}

func (nopTransport) Send(_ context.Context, _ tracker.Hit) error { return nil }

type fixture struct {
	clock   *clock.Fake
	mem     *storage.Memory
	hub     *storage.Hub
	tracker *tracker.Tracker
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	fc := clock.NewFake(start)
	mem := storage.NewMemory(0)
	hub := storage.NewHub(mem, zerolog.Nop())
	tr := tracker.New("UA-1", tracker.Options{
		Transport: nopTransport{},
		Clock:     fc,
		Logger:    zerolog.Nop(),
		RateBurst: 1000,
	})
	t.Cleanup(func() {
		hub.Close()
		mem.Close()
	})
	return &fixture{clock: fc, mem: mem, hub: hub, tracker: tr}
}

func TestSession_SameIDWithinTimeout(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: 30 * time.Minute, TimeZone: "UTC"})
	defer s.Destroy()

	first := s.ID()
	require.NotEmpty(t, first)

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, first, s.ID())

	f.clock.Advance(40 * time.Minute)
	third := s.ID()
	assert.NotEqual(t, first, third)

	f.clock.Advance(29 * time.Minute)
	assert.Equal(t, third, s.ID())
}

func TestSession_TimeoutFromPluginOptions(t *testing.T) {
	tests := []struct {
		name   string
		raw    any
		gap    time.Duration
		sameID bool
	}{
		{"ten minutes of thirty", 30, 10 * time.Minute, true},
		{"forty minutes of thirty", 30, 40 * time.Minute, false},
		{"json float", float64(30), 40 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts struct {
				SessionTimeout plugin.Minutes `mapstructure:"sessionTimeout"`
			}
			require.NoError(t, plugin.DecodeOptions(map[string]any{"sessionTimeout": tt.raw}, &opts))
			require.Equal(t, 30*time.Minute, opts.SessionTimeout.Duration())

			f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
			s := GetOrCreate(f.tracker, f.hub, Options{Timeout: opts.SessionTimeout.Duration(), TimeZone: "UTC"})
			defer s.Destroy()

			first := s.ID()
			f.clock.Advance(tt.gap)
			assert.Equal(t, tt.sameID, first == s.ID())
		})
	}
}

func TestSession_ActivityKeepsSessionAlive(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: 30 * time.Minute, TimeZone: "UTC"})
	defer s.Destroy()

	id := s.ID()
	for i := 0; i < 6; i++ {
		f.clock.Advance(20 * time.Minute)
		require.Equal(t, id, s.ID(), "step %d", i)
	}
}

func TestSession_DayRolloverInConfiguredZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	f := newFixture(t, time.Date(2024, 3, 1, 23, 50, 0, 0, ny))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: 30 * time.Minute, TimeZone: "America/New_York"})
	defer s.Destroy()

	before := s.ID()
	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, before, s.ID())

	f.clock.Advance(10 * time.Minute) // 00:05 local, only 10 minutes idle
	assert.NotEqual(t, before, s.ID())
}

func TestSession_DayRolloverUsesZoneNotUTC(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 23:55 UTC is 18:55 in New York: crossing UTC midnight is not a new day there.
	f := newFixture(t, time.Date(2024, 3, 1, 23, 55, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: 30 * time.Minute, TimeZone: ny.String()})
	defer s.Destroy()

	id := s.ID()
	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, id, s.ID())
}

func TestSession_InvalidOptionsNormalized(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: -5 * time.Minute, TimeZone: "Not/AZone"})
	defer s.Destroy()

	assert.Equal(t, DefaultTimeout, s.Timeout())
	assert.Equal(t, time.Local, s.Location())
}

func TestSession_IsExpired(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: 30 * time.Minute, TimeZone: "UTC"})
	defer s.Destroy()

	assert.True(t, s.IsExpired(""), "no session yet")
	id := s.ID()
	assert.False(t, s.IsExpired(id))
	assert.True(t, s.IsExpired("some-other-id"))

	f.clock.Advance(31 * time.Minute)
	assert.True(t, s.IsExpired(id))
	assert.Equal(t, id, s.CurrentID(), "peeking does not rotate")
}

func TestSession_HitsExtendSession(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: 30 * time.Minute, TimeZone: "UTC"})
	defer s.Destroy()

	id := s.ID()
	for i := 0; i < 3; i++ {
		f.clock.Advance(20 * time.Minute)
		require.NoError(t, f.tracker.Send("event", nil))
	}
	assert.False(t, s.IsExpired(id))
	assert.Equal(t, id, s.CurrentID())
}

func TestSession_HitAfterExpiryStartsNewSession(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{Timeout: 30 * time.Minute, TimeZone: "UTC"})
	defer s.Destroy()

	id := s.ID()
	f.clock.Advance(45 * time.Minute)
	require.NoError(t, f.tracker.Send("pageview", nil))
	assert.NotEqual(t, id, s.CurrentID())
	assert.False(t, s.IsExpired(s.CurrentID()))
}

func TestSession_SessionControl(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s := GetOrCreate(f.tracker, f.hub, Options{TimeZone: "UTC"})
	defer s.Destroy()

	id := s.ID()
	require.NoError(t, f.tracker.Send("event", hit.Fields{"sessionControl": "end"}))
	assert.True(t, s.IsExpired(id))

	next := s.ID()
	assert.NotEqual(t, id, next)

	require.NoError(t, f.tracker.Send("event", hit.Fields{"sessionControl": "start"}))
	assert.NotEqual(t, next, s.CurrentID())
}

func TestSession_SharedAcrossTabs(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	other := storage.NewHub(f.mem, zerolog.Nop())
	defer other.Close()
	otherTracker := tracker.New("UA-1", tracker.Options{Transport: nopTransport{}, Clock: f.clock, Logger: zerolog.Nop()})

	a := GetOrCreate(f.tracker, f.hub, Options{TimeZone: "UTC"})
	b := GetOrCreate(otherTracker, other, Options{TimeZone: "UTC"})
	defer a.Destroy()
	defer b.Destroy()

	id := a.ID()
	f.mem.Sync()
	assert.Equal(t, id, b.CurrentID())
	assert.False(t, b.IsExpired(id))
}

func TestSession_DestroyUnchains(t *testing.T) {
	f := newFixture(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	s1 := GetOrCreate(f.tracker, f.hub, Options{})
	s2 := GetOrCreate(f.tracker, f.hub, Options{})
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, f.tracker.Task(tracker.TaskSend).Len())

	s1.Destroy()
	assert.Equal(t, 1, f.tracker.Task(tracker.TaskSend).Len())
	s2.Destroy()
	assert.Equal(t, 0, f.tracker.Task(tracker.TaskSend).Len())
	s2.Destroy()
}
