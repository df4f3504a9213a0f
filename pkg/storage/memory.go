package storage

import "sync"

// Memory is an in-process backend. Several Hubs sharing one Memory behave
// like tabs of the same origin.
type Memory struct {
	mu     sync.Mutex
	data   map[string]string
	quota  int
	used   int
	closed bool
	n      *notifier
}

// NewMemory creates an empty backend. A positive quota caps the total bytes
// of keys and values; writes beyond it fail with ErrQuotaExceeded.
func NewMemory(quota int) *Memory {
	return &Memory{
		data:  make(map[string]string),
		quota: quota,
		n:     newNotifier(),
	}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(origin, key, value string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old, existed := m.data[key]
	used := m.used + len(value)
	if existed {
		used -= len(old)
	} else {
		used += len(key)
	}
	if m.quota > 0 && used > m.quota {
		m.mu.Unlock()
		return ErrQuotaExceeded
	}
	m.data[key] = value
	m.used = used
	if !existed || old != value {
		m.n.publish(Event{Key: key, OldValue: old, NewValue: value, Origin: origin})
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(origin, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old, existed := m.data[key]
	if existed {
		delete(m.data, key)
		m.used -= len(key) + len(old)
		m.n.publish(Event{Key: key, OldValue: old, Deleted: true, Origin: origin})
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Watch(fn func(Event)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.n.watch(fn), nil
}

// Sync waits until every change published so far has reached its watchers.
func (m *Memory) Sync() {
	m.n.sync()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.n.close()
	return nil
}
