// Package tracker is the host tracking object plugins attach to.
//
// A Tracker holds persistent fields and runs every hit through four task
// chains in order: preview, checkProtocol, build and send. Plugins extend
// build and send by adding interceptors to the chains; they never replace
// a task.
package tracker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/harun/autotrack/internal/observability"
	"github.com/harun/autotrack/internal/tracing"
	"github.com/harun/autotrack/pkg/clock"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// Task names.
const (
	TaskPreview       = "previewTask"
	TaskCheckProtocol = "checkProtocolTask"
	TaskBuild         = "buildHitTask"
	TaskSend          = "sendHitTask"
)

var taskOrder = []string{TaskPreview, TaskCheckProtocol, TaskBuild, TaskSend}

// Fields set by the build task for the send task.
const (
	PayloadField = "hitPayload"
	UsageField   = "_au"
)

var (
	// ErrRateLimited is returned when a hit exceeds the send budget.
	ErrRateLimited = errors.New("hit rate limited")
	// ErrNoTransport is returned when the tracker has nowhere to send.
	ErrNoTransport = errors.New("no transport configured")
	// ErrUnsupportedProtocol is returned by checkProtocol for pages that are
	// not served over http or https.
	ErrUnsupportedProtocol = errors.New("unsupported page protocol")
)

// Hit is what the send task hands to a Transport.
type Hit struct {
	TrackingID      string
	HitType         string
	Payload         string
	Fields          hit.Fields
	TransportMethod string
	Time            time.Time
}

// Transport delivers encoded hits.
type Transport interface {
	Send(ctx context.Context, h Hit) error
}

// Options configures a Tracker.
type Options struct {
	ClientID  string
	Fields    hit.Fields
	Transport Transport
	Logger    zerolog.Logger
	Clock     clock.Clock
	// OnError receives hits that failed for a reason other than a filter
	// cancelling them.
	OnError func(error)
	// RateLimit and RateBurst bound how fast hits may be sent. Defaults
	// are 2 per second with a burst of 20.
	RateLimit rate.Limit
	RateBurst int
	// CheckProtocol rejects hits when the location field is not http(s).
	CheckProtocol bool
}

// Tracker is one tracking object for one property.
type Tracker struct {
	trackingID string
	transport  Transport
	logger     zerolog.Logger
	clock      clock.Clock
	onError    func(error)
	limiter    *rate.Limiter

	mu       sync.RWMutex
	fields   hit.Fields
	usage    uint64
	tasks    map[string]*hit.Chain
	seq      int
	watchers map[int]func(hit.Fields)
	before   map[int]func(hit.Fields)
}

// New creates a tracker for trackingID.
func New(trackingID string, opts Options) *Tracker {
	observability.EnsureRegistered()

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 2
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	t := &Tracker{
		trackingID: trackingID,
		transport:  opts.Transport,
		logger:     opts.Logger.With().Str("component", "tracker").Str("tracking_id", trackingID).Logger(),
		clock:      opts.Clock,
		onError:    opts.OnError,
		limiter:    rate.NewLimiter(opts.RateLimit, opts.RateBurst),
		fields:     opts.Fields.Clone(),
		watchers:   make(map[int]func(hit.Fields)),
		before:     make(map[int]func(hit.Fields)),
	}
	t.fields["trackingId"] = trackingID
	if opts.ClientID != "" {
		t.fields["clientId"] = opts.ClientID
	}

	checkProtocol := func(*hit.Model) error { return nil }
	if opts.CheckProtocol {
		checkProtocol = t.checkProtocolTask
	}
	t.tasks = map[string]*hit.Chain{
		TaskPreview:       hit.NewChain(TaskPreview, nil),
		TaskCheckProtocol: hit.NewChain(TaskCheckProtocol, checkProtocol),
		TaskBuild:         hit.NewChain(TaskBuild, t.buildHitTask),
		TaskSend:          hit.NewChain(TaskSend, t.sendHitTask),
	}
	return t
}

func (t *Tracker) TrackingID() string {
	return t.trackingID
}

func (t *Tracker) Clock() clock.Clock {
	return t.clock
}

func (t *Tracker) Logger() *zerolog.Logger {
	return &t.logger
}

// Get returns a persistent field.
func (t *Tracker) Get(name string) any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fields[name]
}

// GetString returns a persistent field as a string.
func (t *Tracker) GetString(name string) string {
	s, _ := t.Get(name).(string)
	return s
}

// Set sets one persistent field.
func (t *Tracker) Set(name string, value any) {
	t.SetAll(hit.Fields{name: value})
}

// SetAll sets several persistent fields and notifies watchers once.
func (t *Tracker) SetAll(fields hit.Fields) {
	if len(fields) == 0 {
		return
	}
	t.mu.RLock()
	pre := sortedWatchers(t.before)
	t.mu.RUnlock()
	for _, fn := range pre {
		fn(fields.Clone())
	}

	t.mu.Lock()
	maps.Copy(t.fields, fields)
	ws := sortedWatchers(t.watchers)
	t.mu.Unlock()

	for _, fn := range ws {
		fn(fields.Clone())
	}
}

// Fields returns a copy of the persistent fields.
func (t *Tracker) Fields() hit.Fields {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fields.Clone()
}

// Watch calls fn with the changed fields after every Set or SetAll.
func (t *Tracker) Watch(fn func(changed hit.Fields)) (remove func()) {
	return t.addWatcher(t.watchers, fn)
}

// WatchBefore calls fn with the fields about to change, while Get still
// returns the old values.
func (t *Tracker) WatchBefore(fn func(changing hit.Fields)) (remove func()) {
	return t.addWatcher(t.before, fn)
}

func (t *Tracker) addWatcher(set map[int]func(hit.Fields), fn func(hit.Fields)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	id := t.seq
	set[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(set, id)
	}
}

func sortedWatchers(set map[int]func(hit.Fields)) []func(hit.Fields) {
	ids := slices.Sorted(maps.Keys(set))
	out := make([]func(hit.Fields), 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

// Task returns the chain for name, or nil for an unknown task.
func (t *Tracker) Task(name string) *hit.Chain {
	return t.tasks[name]
}

// MarkUsage records that the feature with the given bit index is in use.
// The bitmask travels with every hit.
func (t *Tracker) MarkUsage(bit uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage |= 1 << bit
}

// Usage returns the usage bitmask as a lowercase hex string.
func (t *Tracker) Usage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return strconv.FormatUint(t.usage, 16)
}

// Send sends one hit of hitType. fields apply to this hit only and may
// carry a hit.BuildHitTaskField interceptor and a hit.HitCallbackField.
//
// A hit cancelled by a filter returns an error matching hit.ErrCancel and
// is not reported through OnError. Every other failure is.
func (t *Tracker) Send(hitType string, fields hit.Fields) error {
	start := t.clock.Now()
	ctx := tracing.NewHitContext(context.Background(), t.trackingID)
	ctx, span := tracing.StartSpan(ctx, "autotrack/tracker", "tracker.Send",
		attribute.String("hit.type", hitType),
		attribute.String("tracking_id", t.trackingID),
	)
	defer span.End()

	fields = fields.Clone()
	override, _ := fields[hit.BuildHitTaskField].(hit.Interceptor)
	callback, _ := fields[hit.HitCallbackField].(func())
	delete(fields, hit.BuildHitTaskField)
	delete(fields, hit.HitCallbackField)

	m := hit.NewModelContext(ctx, t.Fields().Merge(fields, hit.Fields{"hitType": hitType}))

	err := t.run(m, override)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		t.fail(ctx, hitType, err)
		return err
	}

	observability.RecordHitSent(hitType, t.clock.Now().Sub(start))
	observability.RecordHitAudit(ctx, t.trackingID, hitType, observability.AuditSent, "", start,
		map[string]any{"payload": m.GetString(PayloadField)})
	if callback != nil {
		if err := hit.Recover("", callback); err != nil {
			logger := tracing.LoggerFromContext(ctx, t.logger)
			logger.Warn().Err(err).Msg("Hit callback failed")
		}
	}
	return nil
}

// run executes the task chains in order. A panic in any interceptor
// drops the hit as a filter error instead of reaching the caller.
func (t *Tracker) run(m *hit.Model, buildOverride hit.Interceptor) (err error) {
	current := ""
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w", current, &hit.FilterError{Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	for _, name := range taskOrder {
		current = name
		task := t.tasks[name].Compose()
		if name == TaskBuild && buildOverride != nil {
			task = buildOverride(task)
		}
		if err := task(m); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Drop reports a hit of hitType that failed before it could be sent, such
// as when a plugin callback panicked. It is recorded and passed to
// OnError like any failure from Send.
func (t *Tracker) Drop(hitType string, err error) {
	if err == nil {
		return
	}
	ctx := tracing.NewHitContext(context.Background(), t.trackingID)
	t.fail(ctx, hitType, err)
}

func (t *Tracker) fail(ctx context.Context, hitType string, err error) {
	logger := tracing.LoggerFromContext(ctx, t.logger)

	reason := dropReason(err)
	observability.RecordHitDropped(reason)
	observability.RecordHitAudit(ctx, t.trackingID, hitType, observability.AuditDropped, reason, t.clock.Now(), nil)

	var fe *hit.FilterError
	switch {
	case reason == observability.DropCancelled:
		logger.Debug().Msg("Hit cancelled by filter")
		return
	case errors.As(err, &fe):
		observability.RecordFilterError(cmp.Or(fe.Plugin, "unknown"))
	}

	logger.Warn().Err(err).Msg("Hit dropped")
	if t.onError != nil {
		t.onError(err)
	}
}

func dropReason(err error) string {
	var (
		fe *hit.FilterError
		te *TransportError
	)
	switch {
	case errors.Is(err, hit.ErrCancel):
		return observability.DropCancelled
	case errors.As(err, &fe):
		return observability.DropFilterError
	case errors.Is(err, ErrRateLimited):
		return observability.DropRateLimited
	case errors.As(err, &te):
		return observability.DropTransport
	}
	return observability.DropTaskError
}

func (t *Tracker) checkProtocolTask(m *hit.Model) error {
	loc := m.GetString("location")
	if loc == "" {
		return nil
	}
	u, err := url.Parse(loc)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrUnsupportedProtocol
	}
	return nil
}

func (t *Tracker) buildHitTask(m *hit.Model) error {
	if usage := t.Usage(); usage != "0" {
		m.Set(UsageField, usage)
	}
	m.Set(PayloadField, encodePayload(m.Fields()))
	return nil
}

// TransportError wraps a failure reported by the Transport.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (t *Tracker) sendHitTask(m *hit.Model) error {
	if t.transport == nil {
		return ErrNoTransport
	}
	now := t.clock.Now()
	if !t.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}

	fields := m.Fields()
	delete(fields, PayloadField)
	method, _ := fields["transport"].(string)
	h := Hit{
		TrackingID:      t.trackingID,
		HitType:         m.GetString("hitType"),
		Payload:         m.GetString(PayloadField),
		Fields:          fields,
		TransportMethod: method,
		Time:            now,
	}
	if err := t.transport.Send(m.Context(), h); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
