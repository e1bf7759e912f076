package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/observability/metrics"
)

// RoleSpec is a role the new market must hold on a protocol contract.
type RoleSpec struct {
	Contract string
	Role     string
}

// Options are the orchestrator's fixed settings. Zero values fall back to
// defaults.
type Options struct {
	Mode               Mode
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	ConfirmTimeout     time.Duration
	MetaDeadline       time.Duration
	PersistLockTTL     time.Duration
	SessionRegistry    string
	Roles              []RoleSpec
	StartPriceDecimals int
	SymbolMaxLength    int
	ArchiveReceipts    bool
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 2 * time.Minute
	}
	if o.MetaDeadline <= 0 {
		o.MetaDeadline = 15 * time.Minute
	}
	if o.PersistLockTTL <= 0 {
		o.PersistLockTTL = 30 * time.Second
	}
}

// Notifier is told about every pipeline that reaches a terminal status.
type Notifier interface {
	NotifyPipeline(ctx context.Context, rec domain.PipelineRecord) error
}

// Deps are the orchestrator's collaborators. Factory and Markets are
// required; Relayer and Signer are required in sponsored mode. The rest are
// optional.
type Deps struct {
	Factory   domain.MarketFactory
	Relayer   domain.MetaRelayer
	Signer    Signer
	Creator   string
	Markets   domain.DeployedMarketStore
	Locks     domain.LockManager
	Pipelines domain.PipelineStore
	Audit     domain.AuditStore
	Progress  domain.ProgressPublisher
	Blob      domain.BlobWriter
	Notifier  Notifier
	Logger    *slog.Logger
}

// Orchestrator executes pipelines for one mode.
type Orchestrator struct {
	opts        Options
	plan        *Plan
	steps       map[StepName]StepFunc
	factory     domain.MarketFactory
	signer      Signer
	broadcaster Broadcaster
	creator     string
	markets     domain.DeployedMarketStore
	locks       domain.LockManager
	pipelines   domain.PipelineStore
	audit       domain.AuditStore
	progress    domain.ProgressPublisher
	blob        domain.BlobWriter
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator validates the configuration and builds the step plan.
func NewOrchestrator(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Factory == nil {
		return nil, errors.New("deploy: market factory is required")
	}
	if deps.Markets == nil {
		return nil, errors.New("deploy: deployed market store is required")
	}
	opts.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		opts:      opts,
		factory:   deps.Factory,
		signer:    deps.Signer,
		creator:   deps.Creator,
		markets:   deps.Markets,
		locks:     deps.Locks,
		pipelines: deps.Pipelines,
		audit:     deps.Audit,
		progress:  deps.Progress,
		blob:      deps.Blob,
		notifier:  deps.Notifier,
		logger:    logger.With(slog.String("component", "deploy"), slog.String("mode", string(opts.Mode))),
		now:       time.Now,
	}

	switch opts.Mode {
	case ModeSponsored:
		if deps.Relayer == nil || deps.Signer == nil {
			return nil, errors.New("deploy: sponsored mode needs a relayer and a signer")
		}
		o.broadcaster = relayBroadcaster{relayer: deps.Relayer}
	case ModeDirect:
		o.broadcaster = directBroadcaster{factory: deps.Factory}
	default:
		return nil, fmt.Errorf("deploy: unknown mode %q", opts.Mode)
	}
	if o.creator == "" && deps.Signer != nil {
		o.creator = deps.Signer.Address().Hex()
	}
	if o.creator == "" {
		return nil, errors.New("deploy: creator address is required")
	}

	o.steps = o.stepTable()
	plan, err := NewPlan(opts.Mode, func(s StepName) bool { return o.steps[s] != nil })
	if err != nil {
		return nil, err
	}
	o.plan = plan
	return o, nil
}

// Plan returns the orchestrator's step plan.
func (o *Orchestrator) Plan() *Plan { return o.plan }

// Execute runs every step of p in order. It returns nil when the pipeline
// succeeds and a *StepError otherwise. Bookkeeping after cancellation uses a
// detached context so terminal events and records are never dropped.
func (o *Orchestrator) Execute(ctx context.Context, p *Pipeline) error {
	bg := context.WithoutCancel(ctx)
	started := o.now()
	logger := o.logger.With(slog.String("pipeline_id", p.id))

	metrics.PipelineStarted()
	logger.InfoContext(ctx, "pipeline started", slog.Int("steps", o.plan.Len()))
	o.logAudit(bg, "pipeline.started", map[string]any{"pipeline_id": p.id, "mode": string(o.plan.Mode())})

	state := State{PipelineID: p.id, Draft: p.draft.Clone(), Creator: o.creator}
	var (
		status     = domain.PipelineStatusSucceeded
		failedStep StepName
		runErr     error
	)
	for i := 0; i < o.plan.Len(); i++ {
		name := o.plan.Step(i)
		if err := ctx.Err(); err != nil {
			status, failedStep, runErr = o.aborted(p, name, state, err)
			break
		}
		p.enter(i, broadcastingSteps[name], o.now())
		state.StepIndex = i

		next, attempts, err := o.runStep(ctx, p, name, i, state)
		p.recordAttempts(name, attempts)
		if err != nil {
			if ctx.Err() != nil {
				status, failedStep, runErr = o.aborted(p, name, state, ctx.Err())
			} else {
				status, failedStep = domain.PipelineStatusFailed, name
				runErr = &StepError{Step: name, Attempts: attempts, TxHash: state.TxHash, Err: err}
			}
			break
		}

		state = next
		p.recordState(state, o.now())
		logger.InfoContext(ctx, "step completed",
			slog.String("step", string(name)),
			slog.Int("attempt", attempts),
		)
		o.logAudit(bg, "pipeline.step_succeeded", map[string]any{
			"pipeline_id": p.id,
			"step":        string(name),
			"attempts":    attempts,
			"tx_hash":     state.TxHash,
		})

		if i == o.plan.Len()-1 {
			break
		}
		o.publish(bg, p, domain.ProgressEvent{
			Step:      string(name),
			StepIndex: i,
			Status:    domain.StepStatusSuccess,
			Attempt:   attempts,
			TxHash:    state.TxHash,
			Pipeline:  domain.PipelineStatusRunning,
		})
		o.save(bg, p.Snapshot())
	}

	rec := p.finish(status, failedStep, runErr, o.now())
	o.save(bg, rec)
	o.publishTerminal(bg, p, rec, failedStep, runErr)

	elapsed := o.now().Sub(started)
	metrics.PipelineFinished(rec.Mode, string(rec.Status), elapsed)
	detail := map[string]any{"pipeline_id": p.id, "tx_hash": rec.TxHash, "market": rec.MarketAddress}
	if runErr != nil {
		detail["step"] = string(failedStep)
		detail["error"] = runErr.Error()
		logger.ErrorContext(bg, "pipeline stopped",
			slog.String("status", string(rec.Status)),
			slog.String("step", string(failedStep)),
			slog.String("tx_hash", rec.TxHash),
			slog.String("error", runErr.Error()),
		)
	} else {
		logger.InfoContext(bg, "pipeline succeeded",
			slog.String("market", rec.MarketAddress),
			slog.String("tx_hash", rec.TxHash),
			slog.Duration("elapsed", elapsed),
		)
	}
	o.logAudit(bg, "pipeline."+string(rec.Status), detail)
	if o.notifier != nil {
		if err := o.notifier.NotifyPipeline(bg, rec); err != nil {
			logger.WarnContext(bg, "pipeline notification failed", slog.String("error", err.Error()))
		}
	}
	close(p.done)
	return runErr
}

// aborted classifies a stopped pipeline: orphaned once a broadcasting step
// has started, cancelled before that.
func (o *Orchestrator) aborted(p *Pipeline, step StepName, s State, cause error) (domain.PipelineStatus, StepName, error) {
	if p.broadcasted() {
		return domain.PipelineStatusOrphaned, step, &StepError{
			Step:   step,
			TxHash: s.TxHash,
			Err:    fmt.Errorf("%w: %w", domain.ErrPipelineOrphaned, cause),
		}
	}
	return domain.PipelineStatusCancelled, step, &StepError{Step: step, Err: cause}
}

// runStep runs one step with bounded exponential backoff. It returns the
// new state, the number of attempts made and the final error, if any.
func (o *Orchestrator) runStep(ctx context.Context, p *Pipeline, name StepName, index int, in State) (State, int, error) {
	step := o.steps[name]
	var (
		out     State
		attempt int
	)
	op := func() error {
		attempt++
		began := time.Now()
		next, outcome := step(ctx, &stepReporter{o: o, p: p, step: name, index: index, attempt: attempt}, in.clone())
		metrics.RecordStepAttempt(string(o.plan.Mode()), string(name), outcome.Kind.String(), time.Since(began))

		switch outcome.Kind {
		case OutcomeSuccess:
			out = next
			return nil
		case OutcomeRetryable:
			if outcome.Err == nil {
				return fmt.Errorf("step %s asked for a retry without a reason", name)
			}
			return outcome.Err
		default:
			if outcome.Err == nil {
				outcome.Err = fmt.Errorf("step %s failed without a reason", name)
			}
			return backoff.Permanent(outcome.Err)
		}
	}
	notify := func(err error, wait time.Duration) {
		o.logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.String("pipeline_id", p.id),
			slog.String("step", string(name)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", o.opts.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	err := backoff.RetryNotify(op, o.retryPolicy(ctx), notify)
	return out, attempt, err
}

func (o *Orchestrator) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.opts.BaseBackoff
	exp.Multiplier = 2
	exp.MaxInterval = o.opts.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(o.opts.MaxAttempts-1)), ctx)
}

// stepReporter publishes intermediate events for one step attempt.
type stepReporter struct {
	o       *Orchestrator
	p       *Pipeline
	step    StepName
	index   int
	attempt int
}

func (r *stepReporter) Report(ctx context.Context, status domain.StepStatus, txHash string) {
	if status == domain.StepStatusSent && txHash != "" {
		r.p.recordSent(r.step, txHash)
	}
	r.o.publish(context.WithoutCancel(ctx), r.p, domain.ProgressEvent{
		Step:      string(r.step),
		StepIndex: r.index,
		Status:    status,
		Attempt:   r.attempt,
		TxHash:    txHash,
		Pipeline:  domain.PipelineStatusRunning,
	})
}

func (r *stepReporter) Sent() []string {
	return r.p.sentBy(r.step)
}

func (o *Orchestrator) publishTerminal(ctx context.Context, p *Pipeline, rec domain.PipelineRecord, failedStep StepName, runErr error) {
	ev := domain.ProgressEvent{
		StepIndex: rec.ActiveIndex,
		TxHash:    rec.TxHash,
		Pipeline:  rec.Status,
		Terminal:  true,
		Attempt:   rec.Attempts[rec.Steps[rec.ActiveIndex]],
	}
	if runErr != nil {
		ev.Step = string(failedStep)
		ev.Status = domain.StepStatusError
		ev.Error = runErr.Error()
		if i, ok := o.plan.Index(failedStep); ok {
			ev.StepIndex = i
		}
	} else {
		ev.Step = rec.Steps[len(rec.Steps)-1]
		ev.Status = domain.StepStatusSuccess
	}
	o.publish(ctx, p, ev)
}

func (o *Orchestrator) publish(ctx context.Context, p *Pipeline, ev domain.ProgressEvent) {
	if o.progress == nil {
		return
	}
	ev.PipelineID = p.id
	ev.Seq = p.nextSeq()
	ev.Time = o.now().UTC()
	if err := o.progress.Publish(ctx, ev); err != nil {
		o.logger.WarnContext(ctx, "progress publish failed",
			slog.String("pipeline_id", p.id),
			slog.String("step", ev.Step),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) save(ctx context.Context, rec domain.PipelineRecord) {
	if o.pipelines == nil {
		return
	}
	if err := o.pipelines.Save(ctx, rec); err != nil {
		o.logger.WarnContext(ctx, "pipeline record save failed",
			slog.String("pipeline_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) logAudit(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
