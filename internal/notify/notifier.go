// Package notify fans vault alerts out to chat channels (Telegram, Discord).
// Alerts can be filtered by event type and by minimum confidence.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Alert events.
const (
	EventCorporateAction  = "corporate_action"
	EventAdjustment       = "adjustment_applied"
	EventRetentionFailure = "retention_failure"
	EventIntegrity        = "integrity_failure"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Alert is one notification. Confidence is compared against the notifier's
// threshold; zero means the alert is not confidence-scored.
type Alert struct {
	Event      string
	Title      string
	Message    string
	Confidence float64
}

// Notifier dispatches alerts to every sender.
type Notifier struct {
	senders       []Sender
	events        map[string]bool
	minConfidence float64
	logger        *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, minConfidence float64, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:       senders,
		events:        allowed,
		minConfidence: minConfidence,
		logger:        logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers a if it passes the event and confidence filters. A failing
// sender does not stop delivery to the others; all failures are joined.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[a.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", a.Event))
		return nil
	}
	if a.Confidence > 0 && a.Confidence < n.minConfidence {
		n.logger.DebugContext(ctx, "alert below confidence threshold",
			slog.String("event", a.Event),
			slog.Float64("confidence", a.Confidence),
		)
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, a.Title, a.Message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", a.Title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), err)
	}
	return nil
}
