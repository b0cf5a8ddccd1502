// Package notify pushes round lifecycle alerts to operator chat channels.
// Each round event is rendered once and fanned out to every configured
// sender, filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches round events to one or more Senders. Only event types
// in the allowed set are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
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

// Enabled reports whether events of type t are forwarded.
func (n *Notifier) Enabled(t domain.EventType) bool {
	if len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[t]
}

// NotifyEvent renders ev and sends it to every sender if its type is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Enabled(ev.Type) {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", string(ev.Type)),
			slog.String("round", ev.Round.Hex()),
		)
		return nil
	}
	title, message := FormatEvent(ev)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// FormatEvent renders a round event as a title and a plain-text body.
func FormatEvent(ev domain.Event) (title, message string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Round: %s\n", ev.Round.Hex())
	switch ev.Type {
	case domain.EventRoundCreated:
		title = "Round created"
		fmt.Fprintf(&b, "Stake: %s %s\n", amountString(ev), assetLabel(ev))
		fmt.Fprintf(&b, "Authority: %s", ev.Authority.Hex())
		if len(ev.Resolvers) > 1 {
			fmt.Fprintf(&b, " (%d resolvers)", len(ev.Resolvers))
		}
	case domain.EventWagered:
		title = "Wager placed"
		fmt.Fprintf(&b, "Participant: %s\n", ev.Participant.Hex())
		fmt.Fprintf(&b, "Amount: %s %s", amountString(ev), assetLabel(ev))
		if ev.Side != nil {
			fmt.Fprintf(&b, " on %s", ev.Side.String())
		}
	case domain.EventSettled:
		title = "Round settled"
		if ev.Outcome != nil {
			fmt.Fprintf(&b, "Outcome: %s\n", ev.Outcome.String())
		}
		fmt.Fprintf(&b, "Settled by: %s", ev.Caller.Hex())
	case domain.EventPayout:
		title = "Payout claimed"
		fmt.Fprintf(&b, "Winner: %s\n", ev.Participant.Hex())
		fmt.Fprintf(&b, "Amount: %s %s", amountString(ev), assetLabel(ev))
	default:
		title = string(ev.Type)
		fmt.Fprintf(&b, "Seq: %d", ev.Seq)
	}
	return title, b.String()
}

func amountString(ev domain.Event) string {
	if ev.Amount == nil {
		return "0"
	}
	return ev.Amount.String()
}

func assetLabel(ev domain.Event) string {
	if domain.IsNative(ev.Asset) {
		return "native"
	}
	return ev.Asset.Hex()
}

// dispatch iterates over all senders and sends the notification. A single
// sender failure does not prevent delivery to the remaining senders.
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
