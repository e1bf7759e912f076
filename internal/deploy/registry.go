package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Registry owns the pipelines of one process: it starts them, bounds how
// many run at once, and answers status and cancel requests.
type Registry struct {
	orch      *Orchestrator
	sem       chan struct{}
	retention time.Duration
	base      context.Context
	stop      context.CancelFunc
	newID     func() string
	logger    *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	wg        sync.WaitGroup
}

// NewRegistry creates a Registry running at most maxConcurrent pipelines.
// Finished pipelines stay in memory for retention; older ones are served
// from the pipeline store when one is configured.
func NewRegistry(orch *Orchestrator, maxConcurrent int, retention time.Duration, logger *slog.Logger) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		orch:      orch,
		sem:       make(chan struct{}, maxConcurrent),
		retention: retention,
		base:      base,
		stop:      stop,
		newID:     uuid.NewString,
		logger:    logger.With(slog.String("component", "pipeline_registry")),
		pipelines: make(map[string]*Pipeline),
	}
}

// Launch validates draft and starts a pipeline in the background. The
// pipeline outlives ctx; use Cancel or Shutdown to stop it.
func (r *Registry) Launch(ctx context.Context, draft domain.MarketDraft) (domain.PipelineRecord, error) {
	pctx, cancel := context.WithCancel(r.base)
	p, err := r.register(ctx, draft, cancel)
	if err != nil {
		cancel()
		return domain.PipelineRecord{}, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		_ = r.execute(pctx, p)
	}()
	r.logger.InfoContext(ctx, "pipeline launched", slog.String("pipeline_id", p.id))
	return p.Snapshot(), nil
}

// Run executes a pipeline synchronously and returns its final record. The
// error is the pipeline's *StepError when it did not succeed.
func (r *Registry) Run(ctx context.Context, draft domain.MarketDraft) (domain.PipelineRecord, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.base, cancel)
	defer stop()

	p, err := r.register(ctx, draft, cancel)
	if err != nil {
		return domain.PipelineRecord{}, err
	}
	r.wg.Add(1)
	defer r.wg.Done()
	err = r.execute(pctx, p)
	return p.Snapshot(), err
}

func (r *Registry) register(ctx context.Context, draft domain.MarketDraft, cancel context.CancelFunc) (*Pipeline, error) {
	if err := draft.CheckComplete(); err != nil {
		return nil, err
	}
	if err := r.base.Err(); err != nil {
		return nil, fmt.Errorf("deploy: registry is shut down: %w", err)
	}
	p := newPipeline(r.newID(), r.orch.plan, draft, r.orch.now())
	p.cancel = cancel

	r.mu.Lock()
	r.pipelines[p.id] = p
	r.mu.Unlock()

	r.orch.save(context.WithoutCancel(ctx), p.Snapshot())
	return p, nil
}

func (r *Registry) execute(ctx context.Context, p *Pipeline) error {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		// Execute still runs so the pipeline reaches a terminal status.
	}
	err := r.orch.Execute(ctx, p)
	if r.retention > 0 {
		time.AfterFunc(r.retention, func() { r.forget(p.id) })
	}
	return err
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pipelines, id)
}

// Get returns the current record of pipeline id.
func (r *Registry) Get(ctx context.Context, id string) (domain.PipelineRecord, error) {
	r.mu.RLock()
	p, ok := r.pipelines[id]
	r.mu.RUnlock()
	if ok {
		return p.Snapshot(), nil
	}
	if r.orch.pipelines != nil {
		rec, err := r.orch.pipelines.Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrPipelineNotFound) && !errors.Is(err, domain.ErrNotFound) {
			return domain.PipelineRecord{}, fmt.Errorf("deploy: get pipeline %s: %w", id, err)
		}
	}
	return domain.PipelineRecord{}, fmt.Errorf("deploy: %w: %s", domain.ErrPipelineNotFound, id)
}

// Holds reports whether pipeline id was started by this process and is
// still kept in memory.
func (r *Registry) Holds(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pipelines[id]
	return ok
}

// Wait blocks until pipeline id is terminal or ctx ends.
func (r *Registry) Wait(ctx context.Context, id string) (domain.PipelineRecord, error) {
	r.mu.RLock()
	p, ok := r.pipelines[id]
	r.mu.RUnlock()
	if !ok {
		return r.Get(ctx, id)
	}
	select {
	case <-p.Done():
		return p.Snapshot(), nil
	case <-ctx.Done():
		return p.Snapshot(), ctx.Err()
	}
}

// List returns pipelines newest first. The store is the source of truth
// when configured; otherwise the in-memory set is listed.
func (r *Registry) List(ctx context.Context, opts domain.ListOpts) ([]domain.PipelineRecord, error) {
	if r.orch.pipelines != nil {
		recs, err := r.orch.pipelines.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("deploy: list pipelines: %w", err)
		}
		return recs, nil
	}

	r.mu.RLock()
	out := make([]domain.PipelineRecord, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		rec := p.Snapshot()
		if opts.Since != nil && rec.UpdatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && rec.UpdatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []domain.PipelineRecord{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Cancel stops pipeline id. A pipeline that already broadcast a transaction
// ends orphaned rather than cancelled. Cancelling a finished pipeline is a
// no-op.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	r.mu.RLock()
	p, ok := r.pipelines[id]
	r.mu.RUnlock()
	if !ok {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}
	if p.requestCancel() {
		r.logger.InfoContext(ctx, "pipeline cancel requested", slog.String("pipeline_id", id))
	}
	return nil
}

// Shutdown cancels every running pipeline and waits for them to record
// their terminal status, or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("deploy: shutdown: %w", ctx.Err())
	}
}
