// Package notify delivers operator alerts (partial settlements, persistence
// failures and similar) to Discord and Telegram, filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Alert event types.
const (
	EventPartialSettlement   = "partial_settlement"
	EventSettlementRecovered = "settlement_recovered"
	EventUnknownToken        = "unknown_token"
	EventPersistenceFailure  = "persistence_failure"
)

// Severity controls how an alert is rendered.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Alert is one notification. Fields are rendered as key/value lines in key
// order.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
}

// sortedFieldKeys returns the alert's field names in stable order.
func (a Alert) sortedFieldKeys() []string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	Name() string
}

// Notifier dispatches alerts to every sender whose event type is allowed.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends a to every sender if its event type is allowed. A failing
// sender does not stop delivery to the others; all failures are combined.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[a.Event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", a.Event))
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", a.Event),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
