package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/autotrack/internal/observability"
	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/storage"
	"github.com/harun/autotrack/pkg/store"
	"github.com/harun/autotrack/pkg/tracker"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the idle period after which a session expires.
const DefaultTimeout = 30 * time.Minute

// Namespace is the store namespace holding the session record.
const Namespace = "session"

// Record fields.
const (
	fieldID        = "id"
	fieldHitTime   = "hitTime"
	fieldIsExpired = "isExpired"
)

// Options configures a Session. The first GetOrCreate for a tracker wins.
type Options struct {
	// Timeout is the idle period that ends a session. Values <= 0 use
	// DefaultTimeout.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// TimeZone is an IANA zone name used for the day rollover. Empty or
	// unknown names use the local zone.
	TimeZone string `json:"timezone" mapstructure:"timezone"`
}

// Session answers whether activity belongs to the current session.
type Session struct {
	tracker  *tracker.Tracker
	store    *store.Store
	clock    clock.Clock
	logger   zerolog.Logger
	timeout  time.Duration
	location *time.Location
	midnight cron.Schedule
	handle   *hit.Handle

	mu   sync.Mutex
	refs int
}

var (
	instancesMu sync.Mutex
	instances   = make(map[*tracker.Tracker]*Session)
)

// GetOrCreate returns the Session for t, creating it on first use. Each call
// must be paired with Destroy.
func GetOrCreate(t *tracker.Tracker, hub *storage.Hub, opts Options) *Session {
	instancesMu.Lock()
	defer instancesMu.Unlock()

	if s, ok := instances[t]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s
	}

	s := newSession(t, hub, opts)
	instances[t] = s
	return s
}

func newSession(t *tracker.Tracker, hub *storage.Hub, opts Options) *Session {
	logger := t.Logger().With().Str("component", "session").Logger()

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	loc := time.Local
	if opts.TimeZone != "" {
		l, err := time.LoadLocation(opts.TimeZone)
		if err != nil {
			logger.Warn().Err(err).Str("timezone", opts.TimeZone).Msg("Unknown time zone, using local time")
		} else {
			loc = l
		}
	}

	s := &Session{
		tracker:  t,
		store:    store.GetOrCreate(hub, t.TrackingID(), Namespace, nil),
		clock:    t.Clock(),
		logger:   logger,
		timeout:  opts.Timeout,
		location: loc,
		midnight: midnightSchedule(loc),
		refs:     1,
	}
	s.handle = t.Task(tracker.TaskSend).Add(s.interceptSend)
	return s
}

// midnightSchedule fires at 00:00 in loc.
func midnightSchedule(loc *time.Location) cron.Schedule {
	sched, err := cron.ParseStandard("CRON_TZ=" + loc.String() + " 0 0 * * *")
	if err != nil {
		sched, _ = cron.ParseStandard("0 0 * * *")
	}
	return sched
}

// Timeout returns the configured idle timeout.
func (s *Session) Timeout() time.Duration {
	return s.timeout
}

// Location returns the zone used for the day rollover.
func (s *Session) Location() *time.Location {
	return s.location
}

// ID returns the current session id and records activity. If there is no
// session or it has expired a new id is generated first.
func (s *Session) ID() string {
	rec := s.store.Get()
	now := s.clock.Now()
	update := store.Record{fieldHitTime: now.UnixMilli()}

	id := rec.String(fieldID)
	switch {
	case id == "":
		id = s.rotate(update, "new")
	case s.recordExpired(rec, now):
		id = s.rotate(update, "expired")
	}
	s.store.Set(update)
	return id
}

// Extend records activity without returning the id.
func (s *Session) Extend() {
	_ = s.ID()
}

// CurrentID returns the stored session id without recording activity.
// It may be expired or empty.
func (s *Session) CurrentID() string {
	return s.store.Get().String(fieldID)
}

// IsExpired reports whether id is no longer the live session. An empty id
// checks the stored session.
func (s *Session) IsExpired(id string) bool {
	rec := s.store.Get()
	if id != "" && id != rec.String(fieldID) {
		return true
	}
	return s.recordExpired(rec, s.clock.Now())
}

func (s *Session) recordExpired(rec store.Record, now time.Time) bool {
	if rec.String(fieldID) == "" || rec.Bool(fieldIsExpired) {
		return true
	}
	ms, ok := rec.Int64(fieldHitTime)
	if !ok {
		return false
	}
	last := time.UnixMilli(ms)
	if now.Sub(last) > s.timeout {
		return true
	}
	return !now.Before(s.midnight.Next(last))
}

// rotate fills update with a fresh session and returns its id.
func (s *Session) rotate(update store.Record, reason string) string {
	id := uuid.NewString()
	update[fieldID] = id
	update[fieldIsExpired] = false

	observability.RecordSessionStarted(reason)
	s.logger.Debug().Str("session_id", id).Str("reason", reason).Msg("Session started")
	return id
}

// interceptSend records each delivered hit as activity and applies the
// hit's sessionControl field.
func (s *Session) interceptSend(next hit.Task) hit.Task {
	return func(m *hit.Model) error {
		if err := next(m); err != nil {
			return err
		}

		control := m.GetString("sessionControl")
		rec := s.store.Get()
		now := s.clock.Now()
		update := store.Record{fieldHitTime: now.UnixMilli()}

		switch {
		case control == "start":
			s.rotate(update, "control")
		case rec.String(fieldID) == "":
			s.rotate(update, "new")
		case s.recordExpired(rec, now):
			s.rotate(update, "expired")
		}
		if control == "end" {
			update[fieldIsExpired] = true
		}
		s.store.Set(update)
		return nil
	}
}

// Destroy releases one reference. The last release unchains the session
// from the tracker's send task.
func (s *Session) Destroy() {
	instancesMu.Lock()
	defer instancesMu.Unlock()

	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()
	if !last {
		return
	}

	s.handle.Remove()
	s.store.Destroy()
	if instances[s.tracker] == s {
		delete(instances, s.tracker)
	}
}
