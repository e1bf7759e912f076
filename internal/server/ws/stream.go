package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/progress"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message. Clients
	// have nothing to say beyond control frames.
	maxMessageSize = 512
)

// upgrader configures the WebSocket upgrade parameters. Origin checks are
// left to the CORS and auth middleware in front of the route.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// PipelineLookup resolves a pipeline record.
type PipelineLookup interface {
	Get(ctx context.Context, id string) (domain.PipelineRecord, error)
}

// Subscriber opens a live progress subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, pipelineID string) (*progress.Subscription, error)
}

// Backlog returns recorded events of a pipeline.
type Backlog interface {
	Events(ctx context.Context, pipelineID string, afterSeq int64) ([]domain.ProgressEvent, error)
}

// Follower streams the live events of a pipeline running in another
// process. The channel closes after the terminal event.
type Follower interface {
	Follow(ctx context.Context, pipelineID string) (<-chan domain.ProgressEvent, error)
}

// localPipelines is implemented by lookups that know which pipelines run in
// this process. Lookups without it are treated as fully local.
type localPipelines interface {
	Holds(id string) bool
}

// Stream serves pipeline progress over WebSocket. Each connection carries
// the events of exactly one pipeline as JSON text frames and is closed with
// a normal closure after the terminal event.
type Stream struct {
	pipelines PipelineLookup
	hub       Subscriber
	backlog   Backlog
	remote    Follower
	logger    *slog.Logger
}

// NewStream creates a Stream. backlog serves pipelines that already reached
// a terminal status; it may be nil, in which case the hub replay is used.
// remote follows running pipelines this process does not hold; it may be
// nil.
func NewStream(pipelines PipelineLookup, hub Subscriber, backlog Backlog, remote Follower, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		pipelines: pipelines,
		hub:       hub,
		backlog:   backlog,
		remote:    remote,
		logger:    logger.With(slog.String("component", "ws")),
	}
}

// HandlePipeline upgrades the request and streams progress for one pipeline.
// ?after=<seq> skips events the client has already seen.
// GET /ws/pipelines/{id}
func (s *Stream) HandlePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
		after = n
	}

	rec, err := s.pipelines.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) || errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pipeline not found")
			return
		}
		s.logger.ErrorContext(r.Context(), "ws: lookup pipeline",
			slog.String("pipeline_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := s.logger.With(slog.String("pipeline_id", id))
	logger.Debug("ws: client connected")

	if rec.Status.Terminal() && s.backlog != nil {
		s.replay(ctx, conn, logger, id, after)
		return
	}

	var events <-chan domain.ProgressEvent
	if s.remote != nil && !s.holds(id) {
		var ok bool
		events, after, ok = s.followRemote(ctx, conn, logger, id, after)
		if !ok {
			return
		}
	} else {
		sub, err := s.hub.Subscribe(ctx, id)
		if err != nil {
			logger.Warn("ws: subscribe failed", slog.String("error", err.Error()))
			closeWith(conn, websocket.CloseTryAgainLater, "progress unavailable")
			return
		}
		defer sub.Close()
		events = sub.Events()
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readPump(conn, cancel)
	}()

	s.writePump(ctx, conn, events, logger, after)

	// Unblock the reader so the handler does not return with it running.
	_ = conn.Close()
	<-readDone
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// replay sends the recorded events of a finished pipeline and closes.
func (s *Stream) replay(ctx context.Context, conn *websocket.Conn, logger *slog.Logger, id string, after int64) {
	events, err := s.backlog.Events(ctx, id, after)
	if err != nil {
		logger.Warn("ws: read backlog", slog.String("error", err.Error()))
		closeWith(conn, websocket.CloseInternalServerErr, "history unavailable")
		return
	}
	for _, ev := range events {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}
	closeWith(conn, websocket.CloseNormalClosure, "pipeline finished")
}

func (s *Stream) holds(id string) bool {
	local, ok := s.pipelines.(localPipelines)
	return !ok || local.Holds(id)
}

// followRemote subscribes to the mirror of a pipeline running elsewhere and
// sends its recorded history. It returns the live channel and the highest
// sequence number already sent. ok is false once the connection is done,
// either because the history ended the pipeline or because following
// failed.
func (s *Stream) followRemote(ctx context.Context, conn *websocket.Conn, logger *slog.Logger, id string, after int64) (<-chan domain.ProgressEvent, int64, bool) {
	// Subscribe before reading history so no event falls between the two.
	live, err := s.remote.Follow(ctx, id)
	if err != nil {
		logger.Warn("ws: follow failed", slog.String("error", err.Error()))
		closeWith(conn, websocket.CloseTryAgainLater, "progress unavailable")
		return nil, after, false
	}
	if s.backlog == nil {
		return live, after, true
	}

	events, err := s.backlog.Events(ctx, id, after)
	if err != nil {
		logger.Warn("ws: read backlog", slog.String("error", err.Error()))
		closeWith(conn, websocket.CloseInternalServerErr, "history unavailable")
		return nil, after, false
	}
	for _, ev := range events {
		if err := writeEvent(conn, ev); err != nil {
			return nil, after, false
		}
		if ev.Seq > after {
			after = ev.Seq
		}
		if ev.Terminal {
			closeWith(conn, websocket.CloseNormalClosure, "pipeline finished")
			return nil, after, false
		}
	}
	return live, after, true
}

// readPump discards client frames and keeps the read deadline moving on
// pongs. It returns, cancelling the stream, once the connection fails.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Stream) writePump(ctx context.Context, conn *websocket.Conn, events <-chan domain.ProgressEvent, logger *slog.Logger, after int64) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					closeWith(conn, websocket.CloseGoingAway, "stream closed")
				}
				return
			}
			if ev.Seq <= after && !ev.Terminal {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug("ws: write failed", slog.String("error", err.Error()))
				return
			}
			if ev.Terminal {
				closeWith(conn, websocket.CloseNormalClosure, "pipeline finished")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev domain.ProgressEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
