package progress

import (
	"context"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// History answers "what happened so far" for a pipeline: the hub's retained
// topic first, then the Redis stream for pipelines this process no longer
// holds (or never ran).
type History struct {
	Hub    *Hub
	Mirror *RedisMirror
}

// Events returns the events of pipelineID with Seq greater than afterSeq.
func (h History) Events(ctx context.Context, pipelineID string, afterSeq int64) ([]domain.ProgressEvent, error) {
	if h.Hub != nil {
		if events := h.Hub.History(pipelineID); len(events) > 0 {
			out := events[:0]
			for _, ev := range events {
				if ev.Seq > afterSeq {
					out = append(out, ev)
				}
			}
			return out, nil
		}
	}
	if h.Mirror != nil {
		return h.Mirror.History(ctx, pipelineID, afterSeq)
	}
	return nil, nil
}
