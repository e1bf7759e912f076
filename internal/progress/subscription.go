package progress

import (
	"context"
	"sync"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/observability/metrics"
)

// Subscription is one reader of a pipeline topic. Events arrive on Events in
// publish order; the channel is closed after the terminal event or when the
// subscription is closed.
type Subscription struct {
	hub        *Hub
	pipelineID string
	out        chan domain.ProgressEvent
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	queue    []domain.ProgressEvent
	finished bool
	stopCtx  func() bool
}

func newSubscription(h *Hub, pipelineID string) *Subscription {
	return &Subscription{
		hub:        h,
		pipelineID: pipelineID,
		out:        make(chan domain.ProgressEvent),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// PipelineID returns the subscribed pipeline id.
func (s *Subscription) PipelineID() string { return s.pipelineID }

// Events returns the ordered event stream.
func (s *Subscription) Events() <-chan domain.ProgressEvent { return s.out }

// Done is closed once the subscription has released its resources.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close ends the subscription and waits for its pump to exit. It is safe to
// call more than once and from any goroutine.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		stopCtx := s.stopCtx
		s.mu.Unlock()
		if stopCtx != nil {
			stopCtx()
		}
	})
	<-s.done
}

// enqueue appends ev without blocking. Nothing is queued after the terminal
// event.
func (s *Subscription) enqueue(ev domain.ProgressEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if ev.Terminal {
		s.finished = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()
	select {
	case <-s.stop:
		stop()
	default:
	}
}

// pump moves queued events to the output channel until the terminal event
// has been delivered or the subscription is closed.
func (s *Subscription) pump() {
	defer func() {
		close(s.out)
		s.hub.detach(s)
		metrics.SubscriberDelta(-1)
		close(s.done)
	}()

	for {
		ev, ok, finished := s.next()
		if !ok {
			if finished {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

// next pops the head of the queue. finished reports that the queue is empty
// and will stay empty.
func (s *Subscription) next() (ev domain.ProgressEvent, ok, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.ProgressEvent{}, false, s.finished
	}
	ev = s.queue[0]
	s.queue[0] = domain.ProgressEvent{}
	s.queue = s.queue[1:]
	return ev, true, false
}
