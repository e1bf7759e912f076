// Package progress carries step-level pipeline events from the deployment
// orchestrator to subscribers, keyed by pipeline id.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/observability/metrics"
)

const (
	defaultRetention  = 10 * time.Minute
	defaultMaxHistory = 1024
)

// ErrHubClosed is returned once the hub has been shut down.
var ErrHubClosed = errors.New("progress: hub closed")

// Hub is the in-process progress channel. Every pipeline id is a topic with
// an ordered history; each subscriber gets its own unbounded queue drained
// by a pump goroutine, so Publish never blocks on a slow reader.
type Hub struct {
	retention  time.Duration
	maxHistory int
	logger     *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	history  []domain.ProgressEvent
	lastSeq  int64
	subs     map[*Subscription]struct{}
	terminal bool
	release  *time.Timer
}

// NewHub creates a Hub. Finished topics are kept for retention so late
// subscribers still get the replay; retention <= 0 selects the default.
func NewHub(retention time.Duration, logger *slog.Logger) *Hub {
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		retention:  retention,
		maxHistory: defaultMaxHistory,
		logger:     logger.With(slog.String("component", "progress_hub")),
		topics:     make(map[string]*topic),
	}
}

// Publish appends ev to its pipeline's topic and hands it to every
// subscriber. Events carrying a sequence number at or below the last one
// seen are duplicates and are dropped. A zero Seq is assigned the next one.
func (h *Hub) Publish(_ context.Context, ev domain.ProgressEvent) error {
	if ev.PipelineID == "" {
		return errors.New("progress: event has no pipeline id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	t := h.topicLocked(ev.PipelineID)
	if t.terminal {
		return fmt.Errorf("progress: pipeline %s already finished", ev.PipelineID)
	}
	if ev.Seq == 0 {
		ev.Seq = t.lastSeq + 1
	}
	if ev.Seq <= t.lastSeq {
		return nil
	}
	t.lastSeq = ev.Seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	if len(t.history) >= h.maxHistory {
		t.history = append(t.history[:0:0], t.history[1:]...)
	}
	t.history = append(t.history, ev)
	for s := range t.subs {
		s.enqueue(ev)
	}

	if ev.Terminal {
		t.terminal = true
		t.subs = nil
		id := ev.PipelineID
		t.release = time.AfterFunc(h.retention, func() { h.release(id) })
	}
	return nil
}

// Subscribe returns a subscription to pipelineID. The history published so
// far is replayed first. The subscription ends after the terminal event,
// when ctx is done, or on Close.
func (h *Hub) Subscribe(ctx context.Context, pipelineID string) (*Subscription, error) {
	if pipelineID == "" {
		return nil, errors.New("progress: pipeline id is required")
	}
	s := newSubscription(h, pipelineID)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	t := h.topicLocked(pipelineID)
	for _, ev := range t.history {
		s.enqueue(ev)
	}
	if !t.terminal {
		t.subs[s] = struct{}{}
	}
	h.mu.Unlock()

	metrics.SubscriberDelta(1)
	go s.pump()
	s.watch(ctx)
	return s, nil
}

// History returns a copy of the events published for pipelineID while its
// topic is retained.
func (h *Hub) History(pipelineID string) []domain.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[pipelineID]
	if !ok {
		return nil
	}
	return append([]domain.ProgressEvent(nil), t.history...)
}

// Topics returns the number of retained topics.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Close ends every subscription and releases all topics.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var subs []*Subscription
	for id, t := range h.topics {
		if t.release != nil {
			t.release.Stop()
		}
		for s := range t.subs {
			subs = append(subs, s)
		}
		delete(h.topics, id)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	h.logger.Info("progress hub closed", slog.Int("subscribers_closed", len(subs)))
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (h *Hub) topicLocked(id string) *topic {
	t, ok := h.topics[id]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[id] = t
	}
	return t
}

func (h *Hub) release(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[id]; ok && t.terminal {
		delete(h.topics, id)
		h.logger.Debug("progress topic released", slog.String("pipeline_id", id))
	}
}

func (h *Hub) detach(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[s.pipelineID]
	if !ok || t.terminal {
		return
	}
	delete(t.subs, s)
	// A topic nobody published to is dropped with its last subscriber.
	if len(t.subs) == 0 && len(t.history) == 0 {
		delete(h.topics, s.pipelineID)
	}
}

// Compile-time interface check.
var _ domain.ProgressPublisher = (*Hub)(nil)
