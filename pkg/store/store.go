// Package store implements the synchronized store: a JSON record per
// (tracking id, namespace) persisted through a storage.Hub and kept in step
// across tabs.
//
// Writes go through the tab's cache and then to storage, so a Get after a
// Set in the same tab always sees the write. A change made by another tab
// replaces the cache wholesale and is reported to subscribers. Writers
// that need to detect stale data tag their records (for example with the
// session id) and compare on read.
package store

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/harun/autotrack/internal/observability"
	"github.com/harun/autotrack/pkg/storage"
)

// Listener receives the new and previous record after another tab changed it.
type Listener func(newData, oldData Record)

// Store is the cached view of one persisted record.
type Store struct {
	hub       *storage.Hub
	key       string
	namespace string
	defaults  Record

	mu     sync.Mutex
	cache  Record
	loaded bool
	seq    int
	subs   map[int]Listener
	refs   int
	stop   func()
}

// Subscription is returned by Subscribe.
type Subscription struct {
	store *Store
	id    int
	once  sync.Once
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.id)
		s.store.mu.Unlock()
	})
}

type tableKey struct {
	hub *storage.Hub
	key string
}

var (
	tableMu sync.Mutex
	table   = make(map[tableKey]*Store)
)

// Key returns the storage key for a tracking id and namespace.
func Key(trackingID, namespace string) string {
	return trackingID + "." + namespace
}

// GetOrCreate returns the tab's Store for (trackingID, namespace), creating
// it on first use. Each call must be paired with Destroy. Defaults are fixed
// by the first caller.
func GetOrCreate(hub *storage.Hub, trackingID, namespace string, defaults Record) *Store {
	observability.EnsureRegistered()

	tk := tableKey{hub: hub, key: Key(trackingID, namespace)}

	tableMu.Lock()
	defer tableMu.Unlock()

	if s, ok := table[tk]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s
	}

	s := &Store{
		hub:       hub,
		key:       tk.key,
		namespace: namespace,
		defaults:  defaults.Clone(),
		subs:      make(map[int]Listener),
		refs:      1,
	}
	s.stop = hub.Subscribe(s.key, s.onExternalChange)
	table[tk] = s
	return s
}

// Key returns the storage key this Store persists under.
func (s *Store) Key() string {
	return s.key
}

func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	var persisted Record
	if raw, ok := s.hub.Get(s.key); ok {
		persisted = decode(raw)
	}
	s.cache = merge(s.defaults, persisted)
}

// Get returns a copy of the current record.
func (s *Store) Get() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.cache.Clone()
}

// Set shallow-merges partial over the current record, persists the result
// and returns a copy of it.
func (s *Store) Set(partial Record) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	s.cache = merge(s.defaults, s.cache, partial)

	data, err := json.Marshal(s.cache)
	if err == nil {
		s.hub.Set(s.key, string(data))
		observability.RecordStoreWrite(s.namespace)
	}
	return s.cache.Clone()
}

// Clear resets the record to its defaults and removes the persisted copy.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = s.defaults.Clone()
	s.loaded = true
	s.hub.Remove(s.key)
}

// Subscribe registers fn for changes made by other tabs.
func (s *Store) Subscribe(fn Listener) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.subs[s.seq] = fn
	return &Subscription{store: s, id: s.seq}
}

func (s *Store) onExternalChange(ev storage.Event) {
	var persisted Record
	if !ev.Deleted {
		persisted = decode(ev.NewValue)
	}

	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.loadLocked()
	old := s.cache
	s.cache = merge(s.defaults, persisted)
	newData := s.cache.Clone()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	observability.RecordExternalChange(s.namespace)

	slices.Sort(ids)
	for _, id := range ids {
		s.mu.Lock()
		fn, ok := s.subs[id]
		s.mu.Unlock()
		if ok {
			fn(newData, old.Clone())
		}
	}
}

// Destroy releases one reference. The last release detaches the Store from
// storage and drops it from the table; the persisted record is kept.
func (s *Store) Destroy() {
	tableMu.Lock()
	defer tableMu.Unlock()

	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	last := s.refs == 0
	if last {
		clear(s.subs)
	}
	s.mu.Unlock()

	if !last {
		return
	}
	if s.stop != nil {
		s.stop()
	}
	tk := tableKey{hub: s.hub, key: s.key}
	if table[tk] == s {
		delete(table, tk)
	}
}
