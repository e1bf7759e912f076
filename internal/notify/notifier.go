// Package notify tells operators about finished deployment pipelines. Each
// message goes to every configured sender (Telegram, Discord) and can be
// filtered by event so operators only hear about the outcomes they track.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to its senders. Notify honours the event filter;
// NotifyAll bypasses it.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends to all senders when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to all senders regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// NotifyPipeline reports a pipeline that reached a terminal status. The
// event name is "pipeline_<status>", e.g. "pipeline_orphaned".
func (n *Notifier) NotifyPipeline(ctx context.Context, rec domain.PipelineRecord) error {
	event := "pipeline_" + string(rec.Status)
	return n.Notify(ctx, event, PipelineTitle(rec), PipelineMessage(rec))
}

// PipelineTitle is the one-line headline for rec.
func PipelineTitle(rec domain.PipelineRecord) string {
	name := rec.Draft.Name
	if name == "" {
		name = rec.ID
	}
	switch rec.Status {
	case domain.PipelineStatusSucceeded:
		return "Market deployed: " + name
	case domain.PipelineStatusOrphaned:
		return "Deployment orphaned, reconcile manually: " + name
	default:
		return fmt.Sprintf("Deployment %s: %s", rec.Status, name)
	}
}

// PipelineMessage lists the fields an operator needs to follow up on rec.
func PipelineMessage(rec domain.PipelineRecord) string {
	lines := []string{
		"pipeline: " + rec.ID,
		"mode: " + rec.Mode,
	}
	if rec.MarketAddress != "" {
		lines = append(lines, "market: "+rec.MarketAddress)
	}
	if rec.TxHash != "" {
		lines = append(lines, "tx: "+rec.TxHash)
	}
	if rec.FailedStep != "" {
		lines = append(lines, fmt.Sprintf("step: %s (attempts %d)", rec.FailedStep, rec.Attempts[rec.FailedStep]))
	}
	if rec.Error != "" {
		lines = append(lines, "error: "+rec.Error)
	}
	return strings.Join(lines, "\n")
}

// dispatch sends to every sender. One failing sender does not stop the
// rest; failures are combined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
