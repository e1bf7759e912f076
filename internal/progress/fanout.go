package progress

import (
	"context"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Fanout publishes every event to each of its publishers in order. All of
// them are attempted; the first error is returned.
type Fanout []domain.ProgressPublisher

// Publish implements domain.ProgressPublisher.
func (f Fanout) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	var first error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Compile-time interface check.
var _ domain.ProgressPublisher = Fanout(nil)
