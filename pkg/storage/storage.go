// Package storage provides per-origin key/value persistence with cross-tab
// change notification.
//
// A Backend is the shared persisted medium (one per origin). A Hub is one
// tab's view of it: it owns a single backend watch and fans change events
// out to per-key subscribers, skipping events the tab caused itself.
package storage

import "errors"

// ErrQuotaExceeded is returned by a backend that has run out of space.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("storage closed")

// Event describes one change to a persisted key.
type Event struct {
	Key      string
	OldValue string
	NewValue string
	// Deleted is set when the key was removed; NewValue is empty.
	Deleted bool
	// Origin identifies the writer. Empty when the writer is unknown
	// (another process that does not record origins).
	Origin string
}

// Backend is a persisted key/value medium shared by every tab of an origin.
type Backend interface {
	Get(key string) (value string, ok bool, err error)
	Set(origin, key, value string) error
	Remove(origin, key string) error
	// Watch delivers every change, from any writer, to fn. Delivery is
	// asynchronous and ordered per watcher.
	Watch(fn func(Event)) (stop func(), err error)
	Close() error
}
