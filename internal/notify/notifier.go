// Package notify delivers operator alerts (breaker trips, resets, failure
// spikes, reconciliation outcomes) to chat webhooks and the alert channel.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Publisher forwards alerts to live subscribers (the websocket hub listens on
// domain.ChannelAlert).
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier dispatches alerts to every Sender. Only events in the allowed set
// reach the senders; every alert is published when a Publisher is set.
type Notifier struct {
	senders   []Sender
	events    map[string]bool
	publisher Publisher
	logger    *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, publisher Publisher, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:   senders,
		events:    allowed,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "notifier")),
	}
}

// Alert publishes a and sends it to the configured senders.
func (n *Notifier) Alert(ctx context.Context, a domain.Alert) error {
	var errs []error
	if n.publisher != nil {
		payload, err := json.Marshal(a)
		if err == nil {
			err = n.publisher.Publish(ctx, domain.ChannelAlert, payload)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("publish: %w", err))
		}
	}
	if err := n.Notify(ctx, a.Event, a.Title, formatAlert(a)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Notify sends to all senders if event is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatAlert renders the message followed by detail lines in key order.
func formatAlert(a domain.Alert) string {
	if len(a.Detail) == 0 {
		return a.Message
	}
	keys := make([]string, 0, len(a.Detail))
	for k := range a.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(a.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, a.Detail[k])
	}
	return b.String()
}
