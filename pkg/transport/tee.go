package transport

import (
	"context"
	"errors"

	"github.com/harun/autotrack/pkg/tracker"
)

// Tee sends every hit to each transport in order and joins their errors.
type Tee []tracker.Transport

func (t Tee) Send(ctx context.Context, h tracker.Hit) error {
	var errs []error
	for _, tr := range t {
		if err := tr.Send(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
