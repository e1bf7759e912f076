package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

const historyBatch = 256

// ChannelFor returns the pub/sub channel carrying live events of a pipeline.
func ChannelFor(pipelineID string) string { return "pipeline:" + pipelineID }

// StreamFor returns the stream holding the ordered history of a pipeline.
func StreamFor(pipelineID string) string { return "pipeline:" + pipelineID + ":events" }

// RedisMirror copies progress events onto the signal bus so other processes
// can follow a pipeline. Each event is appended to the pipeline's stream
// before it is published live.
type RedisMirror struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewRedisMirror creates a mirror over bus.
func NewRedisMirror(bus domain.SignalBus, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{bus: bus, logger: logger.With(slog.String("component", "progress_mirror"))}
}

// Publish implements domain.ProgressPublisher.
func (m *RedisMirror) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: encode event: %w", err)
	}
	if err := m.bus.StreamAppend(ctx, StreamFor(ev.PipelineID), payload); err != nil {
		return fmt.Errorf("progress: mirror %s: %w", ev.PipelineID, err)
	}
	if err := m.bus.Publish(ctx, ChannelFor(ev.PipelineID), payload); err != nil {
		return fmt.Errorf("progress: mirror %s: %w", ev.PipelineID, err)
	}
	return nil
}

// History reads back every event of pipelineID with a sequence number
// greater than afterSeq, in order.
func (m *RedisMirror) History(ctx context.Context, pipelineID string, afterSeq int64) ([]domain.ProgressEvent, error) {
	var (
		out    []domain.ProgressEvent
		lastID = "0"
	)
	for {
		msgs, err := m.bus.StreamRead(ctx, StreamFor(pipelineID), lastID, historyBatch)
		if err != nil {
			return nil, fmt.Errorf("progress: history %s: %w", pipelineID, err)
		}
		for _, msg := range msgs {
			lastID = msg.ID
			var ev domain.ProgressEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				m.logger.WarnContext(ctx, "skipping undecodable progress event",
					slog.String("pipeline_id", pipelineID),
					slog.String("stream_id", msg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ev.Seq > afterSeq {
				out = append(out, ev)
			}
		}
		if len(msgs) < historyBatch {
			return out, nil
		}
	}
}

// Follow streams live events of pipelineID from the bus until the terminal
// event or until ctx is done. Events are not replayed; call History first
// and drop duplicates by sequence number.
func (m *RedisMirror) Follow(ctx context.Context, pipelineID string) (<-chan domain.ProgressEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	raw, err := m.bus.Subscribe(ctx, ChannelFor(pipelineID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("progress: follow %s: %w", pipelineID, err)
	}

	out := make(chan domain.ProgressEvent)
	go func() {
		defer close(out)
		defer cancel()
		for payload := range raw {
			var ev domain.ProgressEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				m.logger.WarnContext(ctx, "skipping undecodable progress event",
					slog.String("pipeline_id", pipelineID),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal {
				return
			}
		}
	}()
	return out, nil
}

// Compile-time interface check.
var _ domain.ProgressPublisher = (*RedisMirror)(nil)
