package transport

import (
	"context"
	"sync"

	"github.com/harun/autotrack/pkg/tracker"
)

// Recorder keeps every hit in memory instead of sending it.
type Recorder struct {
	mu   sync.Mutex
	hits []tracker.Hit
	err  error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, h tracker.Hit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	h.Fields = h.Fields.Clone()
	r.hits = append(r.hits, h)
	return nil
}

// FailWith makes later sends fail with err. A nil err restores recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Hits returns the recorded hits in send order.
func (r *Recorder) Hits() []tracker.Hit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tracker.Hit(nil), r.hits...)
}

// Len returns the number of recorded hits.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}

// Last returns the most recent hit.
func (r *Recorder) Last() (tracker.Hit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hits) == 0 {
		return tracker.Hit{}, false
	}
	return r.hits[len(r.hits)-1], true
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = nil
}
