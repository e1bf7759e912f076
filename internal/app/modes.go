package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketforge/internal/deploy"
	"github.com/alanyoungcy/marketforge/internal/discovery"
	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/progress"
	"github.com/alanyoungcy/marketforge/internal/server"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/server/ws"
)

// shutdownTimeout bounds how long in-flight requests and pipelines get to
// finish once the process is asked to stop.
const shutdownTimeout = 30 * time.Second

// services are the domain components built on top of Dependencies.
type services struct {
	history   progress.History
	registry  *deploy.Registry
	discovery *discovery.Manager
}

// ServerMode runs the HTTP/WebSocket API, the pipeline registry and the
// discovery session sweeper until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if deps.MetricAI == nil {
		return errors.New("app: server mode needs discovery.base_url")
	}

	hub := progress.NewHub(a.cfg.Deploy.EventRetention.Duration, a.logger)
	mirror := progress.NewRedisMirror(deps.SignalBus, a.logger)
	svc, err := a.buildServices(deps, hub, progress.Fanout{hub, mirror}, mirror)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, hub.Close)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := svc.discovery.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("discovery sweeper: %w", err)
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.ApiKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Discovery: handler.NewDiscoveryHandler(svc.discovery, svc.registry, a.logger),
		Pipelines: handler.NewPipelineHandler(svc.registry, svc.history, a.logger),
		Markets:   handler.NewMarketHandler(deps.DeployedMarkets, a.logger),
		Bond:      handler.NewBondHandler(deps.Factory, a.logger),
		Stream:    ws.NewStream(svc.registry, hub, svc.history, mirror, a.logger),
	}, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop taking requests first so no pipeline is launched mid-drain.
		srvErr := srv.Shutdown(shutCtx)
		if err := svc.registry.Shutdown(shutCtx); err != nil {
			a.logger.Warn("pipelines still running at shutdown", slog.String("error", err.Error()))
		}
		return srvErr
	})

	return g.Wait()
}

// Deploy runs one pipeline for draft synchronously and returns its final
// record. Progress is logged and mirrored to Redis.
func (a *App) Deploy(ctx context.Context, draft domain.MarketDraft) (domain.PipelineRecord, error) {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return domain.PipelineRecord{}, fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	mirror := progress.NewRedisMirror(deps.SignalBus, a.logger)
	svc, err := a.buildServices(deps, nil, progress.Fanout{logProgress{logger: a.logger}, mirror}, mirror)
	if err != nil {
		return domain.PipelineRecord{}, err
	}

	rec, runErr := svc.registry.Run(ctx, draft)

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = svc.registry.Shutdown(shutCtx)
	return rec, runErr
}

// buildServices assembles the orchestrator, pipeline registry and discovery
// manager. hub may be nil when nothing subscribes in-process.
func (a *App) buildServices(deps *Dependencies, hub *progress.Hub, publisher domain.ProgressPublisher, mirror *progress.RedisMirror) (*services, error) {
	mode, err := deploy.ParseMode(a.cfg.Deploy.Mode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	roles := make([]deploy.RoleSpec, 0, len(a.cfg.Chain.Roles))
	for _, r := range a.cfg.Chain.Roles {
		roles = append(roles, deploy.RoleSpec{Contract: r.Contract, Role: r.Role})
	}

	orchDeps := deploy.Deps{
		Factory:   deps.Factory,
		Relayer:   deps.Relayer,
		Signer:    deps.Signer,
		Creator:   deps.Factory.From().Hex(),
		Markets:   deps.DeployedMarkets,
		Locks:     deps.LockManager,
		Pipelines: deps.PipelineStore,
		Audit:     deps.AuditStore,
		Progress:  publisher,
		Blob:      deps.BlobWriter,
		Notifier:  deps.Notifier,
		Logger:    a.logger,
	}

	orch, err := deploy.NewOrchestrator(deploy.Options{
		Mode:               mode,
		MaxAttempts:        a.cfg.Deploy.MaxAttempts,
		BaseBackoff:        a.cfg.Deploy.BaseBackoff.Duration,
		MaxBackoff:         a.cfg.Deploy.MaxBackoff.Duration,
		ConfirmTimeout:     a.cfg.Deploy.ConfirmTimeout.Duration,
		MetaDeadline:       a.cfg.Deploy.MetaDeadline.Duration,
		PersistLockTTL:     a.cfg.Deploy.PersistLockTTL.Duration,
		SessionRegistry:    a.cfg.Chain.SessionRegistryAddress,
		Roles:              roles,
		StartPriceDecimals: a.cfg.Deploy.StartPriceDecimals,
		SymbolMaxLength:    a.cfg.Deploy.SymbolMaxLength,
		ArchiveReceipts:    a.cfg.Deploy.ArchiveReceipts && deps.BlobWriter != nil,
	}, orchDeps)
	if err != nil {
		return nil, fmt.Errorf("app: orchestrator: %w", err)
	}

	svc := &services{
		history:  progress.History{Hub: hub, Mirror: mirror},
		registry: deploy.NewRegistry(orch, a.cfg.Deploy.MaxConcurrent, a.cfg.Deploy.EventRetention.Duration, a.logger),
	}

	if deps.MetricAI != nil {
		svc.discovery = discovery.NewManager(discovery.Deps{
			Definer:    deps.MetricAI,
			Discoverer: deps.MetricAI,
			Validator:  deps.MetricAI,
			Cache:      deps.ValidationCache,
			Logger:     a.logger,
		}, a.cfg.Discovery.SessionIdleExpiry.Duration, a.logger)
	}
	return svc, nil
}

// logProgress prints pipeline progress as structured log lines.
type logProgress struct {
	logger *slog.Logger
}

func (l logProgress) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	attrs := []any{
		slog.String("pipeline_id", ev.PipelineID),
		slog.Int64("seq", ev.Seq),
		slog.String("step", ev.Step),
		slog.String("status", string(ev.Status)),
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", ev.Attempt))
	}
	if ev.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", ev.TxHash))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	if ev.Terminal {
		attrs = append(attrs, slog.String("pipeline_status", string(ev.Pipeline)))
	}

	level := slog.LevelInfo
	if ev.Status == domain.StepStatusError {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "pipeline progress", attrs...)
	return nil
}
