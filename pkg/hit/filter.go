package hit

import (
	"errors"
	"fmt"

	"github.com/harun/autotrack/pkg/page"
)

// ErrCancel is returned by a Filter to stop the hit from being sent.
var ErrCancel = errors.New("hit cancelled")

// FilterContext describes what produced the hit being filtered.
type FilterContext struct {
	Plugin string
	// Target is the element the hit is about, when there is one.
	Target page.Element
	// Event is the triggering page event, when there is one.
	Event *page.Event
}

// Filter lets an integrator edit a hit through m or cancel it by
// returning ErrCancel.
type Filter func(m *Model, fc FilterContext) error

// FilterError reports a filter that failed or panicked. The hit it was
// filtering is dropped.
type FilterError struct {
	Plugin string
	Err    error
}

func (e *FilterError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("hit filter failed: %v", e.Err)
	}
	return fmt.Sprintf("%s hit filter failed: %v", e.Plugin, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

// ApplyFilter runs filter on m. It returns nil when filter is nil,
// ErrCancel when the filter cancels, and a *FilterError when it fails.
func ApplyFilter(filter Filter, m *Model, fc FilterContext) error {
	if filter == nil {
		return nil
	}
	var ferr error
	if err := Recover(fc.Plugin, func() { ferr = filter(m, fc) }); err != nil {
		return err
	}
	if ferr != nil {
		if errors.Is(ferr, ErrCancel) {
			return ErrCancel
		}
		return &FilterError{Plugin: fc.Plugin, Err: ferr}
	}
	return nil
}

// Recover runs fn, an integrator callback, and returns a *FilterError for
// plugin if it panics.
func Recover(plugin string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FilterError{Plugin: plugin, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	fn()
	return nil
}

// Compose builds the fields a plugin passes to the tracker's Send.
//
// Without a filter it is BuildFields(defaults, fields). With one, the
// result carries only a build interceptor: for this single hit it sets
// defaults then fields on the model, runs the filter and then continues
// down the tracker's build chain, so the filter sees the hit exactly as
// the plugin intended it.
func Compose(defaults, fields Fields, filter Filter, fc FilterContext) Fields {
	merged := BuildFields(defaults, fields)
	if filter == nil {
		return merged
	}
	override := Interceptor(func(next Task) Task {
		return func(m *Model) error {
			m.SetAll(merged)
			if err := ApplyFilter(filter, m, fc); err != nil {
				return err
			}
			return next(m)
		}
	})
	return Fields{BuildHitTaskField: override}
}
