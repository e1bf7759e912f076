package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Pipeline is one run of the orchestrator. Its record is only mutated by
// the goroutine executing it; readers take snapshots.
type Pipeline struct {
	id     string
	draft  domain.MarketDraft
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	rec       domain.PipelineRecord
	seq       int64
	broadcast bool
	sent      map[StepName][]string
	err       error
}

func newPipeline(id string, plan *Plan, draft domain.MarketDraft, now time.Time) *Pipeline {
	return &Pipeline{
		id:    id,
		draft: draft.Clone(),
		done:  make(chan struct{}),
		rec: domain.PipelineRecord{
			ID:        id,
			Mode:      string(plan.Mode()),
			Steps:     plan.Names(),
			Status:    domain.PipelineStatusPending,
			Attempts:  make(map[string]int),
			Draft:     draft.Clone(),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// ID returns the pipeline id.
func (p *Pipeline) ID() string { return p.id }

// Done is closed when the pipeline reaches a terminal status.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the terminal error, or nil for a successful pipeline.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Snapshot returns a copy of the pipeline record.
func (p *Pipeline) Snapshot() domain.PipelineRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) snapshotLocked() domain.PipelineRecord {
	out := p.rec
	out.Steps = append([]string(nil), p.rec.Steps...)
	out.Attempts = make(map[string]int, len(p.rec.Attempts))
	for k, v := range p.rec.Attempts {
		out.Attempts[k] = v
	}
	out.Draft = p.rec.Draft.Clone()
	return out
}

// enter moves the active index forward to i. The index never decreases and
// never passes the last step.
func (p *Pipeline) enter(i int, broadcasting bool, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if last := len(p.rec.Steps) - 1; i > last {
		i = last
	}
	if i > p.rec.ActiveIndex {
		p.rec.ActiveIndex = i
	}
	if broadcasting {
		p.broadcast = true
	}
	p.rec.Status = domain.PipelineStatusRunning
	p.rec.UpdatedAt = now
}

func (p *Pipeline) recordAttempts(step StepName, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec.Attempts[string(step)] = n
}

func (p *Pipeline) recordState(s State, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.TxHash != "" {
		p.rec.TxHash = s.TxHash
	}
	if s.Market.MarketAddress != "" {
		p.rec.MarketAddress = s.Market.MarketAddress
	}
	p.rec.UpdatedAt = now
}

func (p *Pipeline) finish(status domain.PipelineStatus, failedStep StepName, err error, now time.Time) domain.PipelineRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec.Status = status
	p.rec.FailedStep = string(failedStep)
	if err != nil {
		p.rec.Error = err.Error()
	}
	p.rec.UpdatedAt = now
	p.err = err
	return p.snapshotLocked()
}

// recordSent keeps a hash a step broadcast so later attempts of the step
// can account for it.
func (p *Pipeline) recordSent(step StepName, txHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == nil {
		p.sent = make(map[StepName][]string)
	}
	p.sent[step] = append(p.sent[step], txHash)
}

func (p *Pipeline) sentBy(step StepName) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent[step]...)
}

func (p *Pipeline) broadcasted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broadcast
}

func (p *Pipeline) nextSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

// requestCancel stops the pipeline. It reports false when the pipeline
// already finished.
func (p *Pipeline) requestCancel() bool {
	p.mu.Lock()
	if p.rec.Status.Terminal() {
		p.mu.Unlock()
		return false
	}
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}
