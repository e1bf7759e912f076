package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// PipelineService is the part of the deployment registry the API uses.
type PipelineService interface {
	Launch(ctx context.Context, draft domain.MarketDraft) (domain.PipelineRecord, error)
	Get(ctx context.Context, id string) (domain.PipelineRecord, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.PipelineRecord, error)
	Cancel(ctx context.Context, id string) error
}

// EventSource returns the recorded progress events of a pipeline.
type EventSource interface {
	Events(ctx context.Context, pipelineID string, afterSeq int64) ([]domain.ProgressEvent, error)
}

// PipelineHandler serves deployment pipeline endpoints.
type PipelineHandler struct {
	pipelines PipelineService
	events    EventSource
	logger    *slog.Logger
}

// NewPipelineHandler creates a PipelineHandler. events may be nil, in which
// case the events endpoint returns an empty list.
func NewPipelineHandler(pipelines PipelineService, events EventSource, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{pipelines: pipelines, events: events, logger: logHandler(logger, "pipeline")}
}

// Launch starts a pipeline for a complete draft.
// POST /api/pipelines
func (h *PipelineHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var draft domain.MarketDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := h.pipelines.Launch(r.Context(), draft)
	if err != nil {
		writeDomainError(w, r, h.logger, "launch pipeline", err)
		return
	}
	h.logger.InfoContext(r.Context(), "pipeline launched via api", slog.String("pipeline_id", rec.ID))
	writeJSON(w, http.StatusAccepted, rec)
}

// List returns pipelines, newest first.
// GET /api/pipelines
func (h *PipelineHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.pipelines.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list pipelines", err)
		return
	}
	if recs == nil {
		recs = []domain.PipelineRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelines": recs,
		"count":     len(recs),
	})
}

// Get returns one pipeline record.
// GET /api/pipelines/{id}
func (h *PipelineHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.pipelines.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get pipeline", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Events returns the progress events recorded for a pipeline, optionally
// only those after ?after=<seq>.
// GET /api/pipelines/{id}/events
func (h *PipelineHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.pipelines.Get(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "get pipeline", err)
		return
	}

	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
		after = n
	}

	events := []domain.ProgressEvent{}
	if h.events != nil {
		got, err := h.events.Events(r.Context(), id, after)
		if err != nil {
			writeDomainError(w, r, h.logger, "read pipeline events", err)
			return
		}
		if got != nil {
			events = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline_id": id,
		"events":      events,
		"count":       len(events),
	})
}

// Cancel stops a pipeline. A pipeline that already broadcast its creation
// transaction ends orphaned.
// DELETE /api/pipelines/{id}
func (h *PipelineHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.pipelines.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "cancel pipeline", err)
		return
	}
	rec, err := h.pipelines.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get pipeline", err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}
