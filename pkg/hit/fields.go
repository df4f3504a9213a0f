// Package hit composes analytics hits and runs them through interceptable
// task chains.
package hit

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Reserved field names carried in a Fields object but never encoded.
const (
	// BuildHitTaskField holds a one-shot Interceptor wrapped around the
	// build chain for a single hit.
	BuildHitTaskField = "buildHitTask"
	// HitCallbackField holds a func() run after the hit has been sent.
	HitCallbackField = "hitCallback"
)

// Fields is a named set of primitive values making up one hit.
type Fields map[string]any

// Clone returns a shallow copy. A nil Fields clones to an empty one.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	maps.Copy(out, f)
	return out
}

// Merge returns a new Fields with others applied over f in order.
func (f Fields) Merge(others ...Fields) Fields {
	out := f.Clone()
	for _, o := range others {
		maps.Copy(out, o)
	}
	return out
}

// BuildFields merges event-derived fields over a plugin's defaults.
func BuildFields(defaults, fields Fields) Fields {
	return defaults.Merge(fields)
}

// Model is the mutable state of one hit while it moves through the task chains.
type Model struct {
	ctx    context.Context
	mu     sync.RWMutex
	fields Fields
}

// NewModel returns a model seeded with a copy of fields.
func NewModel(fields Fields) *Model {
	return NewModelContext(context.Background(), fields)
}

// NewModelContext is NewModel with a context for tasks that block.
func NewModelContext(ctx context.Context, fields Fields) *Model {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Model{ctx: ctx, fields: fields.Clone()}
}

// Context returns the context of the send that created the model.
func (m *Model) Context() context.Context {
	return m.ctx
}

// Get returns the named field, or nil.
func (m *Model) Get(name string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fields[name]
}

// GetString returns the field as a string, or "" if absent or not a string.
func (m *Model) GetString(name string) string {
	s, _ := m.Get(name).(string)
	return s
}

// Set sets one field for this hit only.
func (m *Model) Set(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[name] = value
}

// SetAll copies every entry of fields into the model.
func (m *Model) SetAll(fields Fields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.fields, fields)
}

// Delete removes a field from the hit.
func (m *Model) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fields, name)
}

// Fields returns a copy of the model's fields.
func (m *Model) Fields() Fields {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fields.Clone()
}

// Names returns the field names in sorted order.
func (m *Model) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.fields))
}
