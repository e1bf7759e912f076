package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/discovery"
	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/observability/metrics"
)

// DiscoverySessions is the session registry the discovery endpoints use.
type DiscoverySessions interface {
	Create(ctx context.Context, prompt string) (*discovery.Session, error)
	Get(id string) (*discovery.Session, error)
	Delete(id string)
}

// DiscoveryHandler serves the market creation wizard.
type DiscoveryHandler struct {
	sessions  DiscoverySessions
	pipelines PipelineService
	logger    *slog.Logger
}

// NewDiscoveryHandler creates a DiscoveryHandler. Finalize launches the
// draft on pipelines.
func NewDiscoveryHandler(sessions DiscoverySessions, pipelines PipelineService, logger *slog.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{sessions: sessions, pipelines: pipelines, logger: logHandler(logger, "discovery")}
}

type createSessionRequest struct {
	Prompt string `json:"prompt"`
}

type textRequest struct {
	Reply       string `json:"reply,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
	StartPrice  string `json:"start_price,omitempty"`
	Field       string `json:"field,omitempty"`
}

type selectSourceRequest struct {
	URL    string `json:"url"`
	Custom bool   `json:"custom,omitempty"`
}

// Create starts a session from a free-text prompt. A rejected metric still
// creates the session so the client can continue with clarify.
// POST /api/discovery/sessions
func (h *DiscoveryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	s, err := h.sessions.Create(r.Context(), req.Prompt)
	if s == nil {
		writeDomainError(w, r, h.logger, "create session", err)
		return
	}
	h.respond(w, r, s, http.StatusCreated, err, nil)
}

// Get returns the session view.
// GET /api/discovery/sessions/{id}
func (h *DiscoveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

// Delete drops the session.
// DELETE /api/discovery/sessions/{id}
func (h *DiscoveryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.session(w, r); !ok {
		return
	}
	h.sessions.Delete(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

// Clarify answers a rejected metric with more detail.
// POST /api/discovery/sessions/{id}/clarify
func (h *DiscoveryHandler) Clarify(w http.ResponseWriter, r *http.Request) {
	h.withText(w, r, func(ctx context.Context, s *discovery.Session, req textRequest) error {
		return s.Clarify(ctx, req.Reply)
	})
}

// ConfirmName confirms the suggested or edited market name.
// POST /api/discovery/sessions/{id}/name
func (h *DiscoveryHandler) ConfirmName(w http.ResponseWriter, r *http.Request) {
	h.withText(w, r, func(_ context.Context, s *discovery.Session, req textRequest) error {
		return s.ConfirmName(req.Name)
	})
}

// ConfirmDescription confirms the suggested or edited description.
// POST /api/discovery/sessions/{id}/description
func (h *DiscoveryHandler) ConfirmDescription(w http.ResponseWriter, r *http.Request) {
	h.withText(w, r, func(_ context.Context, s *discovery.Session, req textRequest) error {
		return s.ConfirmDescription(req.Description)
	})
}

// ConfirmIcon sets and confirms the icon URL.
// POST /api/discovery/sessions/{id}/icon
func (h *DiscoveryHandler) ConfirmIcon(w http.ResponseWriter, r *http.Request) {
	h.withText(w, r, func(_ context.Context, s *discovery.Session, req textRequest) error {
		return s.ConfirmIcon(req.IconURL)
	})
}

// SetStartPrice overrides the start price suggested by validation.
// POST /api/discovery/sessions/{id}/start_price
func (h *DiscoveryHandler) SetStartPrice(w http.ResponseWriter, r *http.Request) {
	h.withText(w, r, func(_ context.Context, s *discovery.Session, req textRequest) error {
		return s.SetStartPrice(req.StartPrice)
	})
}

// Edit reopens a field and everything downstream of it.
// POST /api/discovery/sessions/{id}/edit
func (h *DiscoveryHandler) Edit(w http.ResponseWriter, r *http.Request) {
	h.withText(w, r, func(_ context.Context, s *discovery.Session, req textRequest) error {
		f, ok := discovery.ParseField(req.Field)
		if !ok {
			return errBadField
		}
		return s.Edit(f)
	})
}

var errBadField = errors.New("field must be one of metric, name, description, source, icon")

// SearchSources runs source discovery and returns the ranked candidates.
// POST /api/discovery/sessions/{id}/sources/search
func (h *DiscoveryHandler) SearchSources(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	candidates, err := s.DiscoverSources(r.Context())
	if candidates == nil {
		candidates = []domain.SourceCandidate{}
	}
	h.respond(w, r, s, http.StatusOK, err, map[string]any{"candidates": candidates})
}

// SelectSource validates and selects a candidate, or a custom URL when
// custom is set.
// POST /api/discovery/sessions/{id}/sources/select
func (h *DiscoveryHandler) SelectSource(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectSourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	var err error
	if req.Custom {
		err = s.SelectCustomURL(r.Context(), req.URL)
	} else {
		err = s.SelectCandidate(r.Context(), req.URL)
	}
	h.respond(w, r, s, http.StatusOK, err, nil)
}

// DenySource rejects the selected source and searches again.
// POST /api/discovery/sessions/{id}/sources/deny
func (h *DiscoveryHandler) DenySource(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, r, s, http.StatusOK, s.DenySource(r.Context()), nil)
}

// Finalize launches a deployment pipeline for the completed draft.
// POST /api/discovery/sessions/{id}/finalize
func (h *DiscoveryHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	draft, err := s.Finalize()
	if err != nil {
		h.respond(w, r, s, http.StatusOK, err, nil)
		return
	}
	rec, err := h.pipelines.Launch(r.Context(), draft)
	if err != nil {
		writeDomainError(w, r, h.logger, "launch pipeline", err)
		return
	}
	metrics.RecordDiscoverySession("finalized")
	h.logger.InfoContext(r.Context(), "discovery session finalized",
		slog.String("session_id", s.ID()),
		slog.String("pipeline_id", rec.ID),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"session":  s.View(),
		"pipeline": rec,
	})
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (h *DiscoveryHandler) session(w http.ResponseWriter, r *http.Request) (*discovery.Session, bool) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get session", err)
		return nil, false
	}
	return s, true
}

func (h *DiscoveryHandler) withText(w http.ResponseWriter, r *http.Request, fn func(context.Context, *discovery.Session, textRequest) error) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := fn(r.Context(), s, req)
	if errors.Is(err, errBadField) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.respond(w, r, s, http.StatusOK, err, nil)
}

// respond writes the session view. A recoverable error keeps the session
// usable, so the view is returned alongside the error for the client to
// stay on the current stage.
func (h *DiscoveryHandler) respond(w http.ResponseWriter, r *http.Request, s *discovery.Session, okStatus int, err error, extra map[string]any) {
	body := map[string]any{"session": s.View()}
	for k, v := range extra {
		body[k] = v
	}
	switch {
	case err == nil:
		writeJSON(w, okStatus, body)
	case discovery.IsRecoverable(err):
		body["error"] = err.Error()
		writeJSON(w, statusFor(err), body)
	default:
		writeDomainError(w, r, h.logger, "discovery", err)
	}
}
