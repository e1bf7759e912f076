package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/observability/metrics"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/server/middleware"
	"github.com/alanyoungcy/marketforge/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimit       int    // requests per window per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Discovery *handler.DiscoveryHandler
	Pipelines *handler.PipelineHandler
	Markets   *handler.MarketHandler
	Bond      *handler.BondHandler
	Stream    *ws.Stream
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// limiter backs the rate-limit middleware and may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "server"))

	mux := http.NewServeMux()
	registerRoutes(mux, handlers)

	// Build the middleware chain. The outermost wrapper runs first.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = metrics.Middleware(h)

	// WriteTimeout is left unset: websocket streams outlive any fixed
	// deadline and set their own per-frame write deadlines.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, handler: h, logger: logger}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", l.Addr().String()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func registerRoutes(mux *http.ServeMux, h Handlers) {
	// Health check and scrape endpoint (no auth required).
	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	mux.Handle("GET /metrics", metrics.Handler())

	// Market creation wizard.
	if d := h.Discovery; d != nil {
		mux.HandleFunc("POST /api/discovery/sessions", d.Create)
		mux.HandleFunc("GET /api/discovery/sessions/{id}", d.Get)
		mux.HandleFunc("DELETE /api/discovery/sessions/{id}", d.Delete)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/clarify", d.Clarify)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/name", d.ConfirmName)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/description", d.ConfirmDescription)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/icon", d.ConfirmIcon)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/start_price", d.SetStartPrice)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/edit", d.Edit)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/sources/search", d.SearchSources)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/sources/select", d.SelectSource)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/sources/deny", d.DenySource)
		mux.HandleFunc("POST /api/discovery/sessions/{id}/finalize", d.Finalize)
	}

	// Deployment pipelines.
	if p := h.Pipelines; p != nil {
		mux.HandleFunc("POST /api/pipelines", p.Launch)
		mux.HandleFunc("GET /api/pipelines", p.List)
		mux.HandleFunc("GET /api/pipelines/{id}", p.Get)
		mux.HandleFunc("GET /api/pipelines/{id}/events", p.Events)
		mux.HandleFunc("DELETE /api/pipelines/{id}", p.Cancel)
	}
	if h.Stream != nil {
		mux.HandleFunc("GET /ws/pipelines/{id}", h.Stream.HandlePipeline)
	}

	// Deployed markets and bond quotes.
	if h.Markets != nil {
		mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
		mux.HandleFunc("GET /api/markets/{ref}", h.Markets.GetMarket)
	}
	if h.Bond != nil {
		mux.HandleFunc("GET /api/bond/quote", h.Bond.Quote)
	}
}
