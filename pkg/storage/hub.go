package storage

import (
	"slices"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Hub is one tab's view of a Backend. It holds the tab's only backend
// watch and routes events to per-key subscribers.
//
// A Hub never fails its callers. If the backend is missing or an operation
// errors, the Hub logs at debug level and serves every later operation from
// a private in-memory map until it is closed.
type Hub struct {
	backend Backend
	origin  string
	logger  zerolog.Logger

	mu       sync.Mutex
	seq      int
	subs     map[string]map[int]func(Event)
	stop     func()
	fallback map[string]string
	degraded bool
	closed   bool
}

// NewHub attaches a new tab to backend. A nil backend yields a Hub that is
// in-memory from the start.
func NewHub(backend Backend, logger zerolog.Logger) *Hub {
	origin, err := gonanoid.New()
	if err != nil {
		origin = "tab"
	}
	h := &Hub{
		backend:  backend,
		origin:   origin,
		logger:   logger.With().Str("component", "storage.hub").Str("origin", origin).Logger(),
		subs:     make(map[string]map[int]func(Event)),
		fallback: make(map[string]string),
	}
	if backend == nil {
		h.degraded = true
		return h
	}
	stop, err := backend.Watch(h.dispatch)
	if err != nil {
		h.degrade(err, "watch")
		return h
	}
	h.stop = stop
	return h
}

// Origin returns the identifier stamped on this tab's writes.
func (h *Hub) Origin() string {
	return h.origin
}

// Degraded reports whether the Hub has fallen back to memory.
func (h *Hub) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// degrade must be called without h.mu held.
func (h *Hub) degrade(err error, op string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.degraded {
		return
	}
	h.degraded = true
	h.logger.Debug().Err(err).Str("op", op).Msg("Storage unavailable, continuing in memory")
}

// Get returns the value stored under key. A failing backend reads as empty.
func (h *Hub) Get(key string) (string, bool) {
	h.mu.Lock()
	if h.degraded {
		v, ok := h.fallback[key]
		h.mu.Unlock()
		return v, ok
	}
	h.mu.Unlock()

	v, ok, err := h.backend.Get(key)
	if err != nil {
		h.degrade(err, "get")
		return "", false
	}
	return v, ok
}

// Set stores value under key and notifies other hubs on the backend.
func (h *Hub) Set(key, value string) {
	h.mu.Lock()
	if h.degraded {
		h.fallback[key] = value
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if err := h.backend.Set(h.origin, key, value); err != nil {
		h.degrade(err, "set")
		h.mu.Lock()
		h.fallback[key] = value
		h.mu.Unlock()
	}
}

// Remove deletes key.
func (h *Hub) Remove(key string) {
	h.mu.Lock()
	if h.degraded {
		delete(h.fallback, key)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if err := h.backend.Remove(h.origin, key); err != nil {
		h.degrade(err, "remove")
	}
}

// Subscribe registers fn for changes to key made by other tabs.
func (h *Hub) Subscribe(key string, fn func(Event)) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	id := h.seq
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]func(Event))
	}
	h.subs[key][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[key], id)
		if len(h.subs[key]) == 0 {
			delete(h.subs, key)
		}
	}
}

// Subscribers returns the number of live subscriptions for key.
func (h *Hub) Subscribers(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

func (h *Hub) dispatch(ev Event) {
	if ev.Origin == h.origin {
		return
	}
	h.mu.Lock()
	if h.closed || h.degraded {
		h.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(h.subs[ev.Key]))
	for id := range h.subs[ev.Key] {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		h.mu.Lock()
		fn, ok := h.subs[ev.Key][id]
		h.mu.Unlock()
		if ok {
			fn(ev)
		}
	}
}

// Close detaches the Hub from its backend. The backend stays open.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	stop := h.stop
	h.stop = nil
	clear(h.subs)
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
}
