// Package notify fans operator alerts out to the configured channels with
// an event filter.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Sender delivers one message to a single channel.
type Sender interface {
	Send(ctx context.Context, message string) error
	Name() string
}

// Notifier filters events and fans them out to every sender. Delivery is
// fire-and-forget with a short timeout; a trading decision never waits on a
// chat API.
type Notifier struct {
	senders []Sender
	events  map[string]bool // empty means all events pass
	logger  *slog.Logger
}

// New builds a notifier. events lists the event kinds to deliver; an empty
// list delivers everything.
func New(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	filter := make(map[string]bool, len(events))
	for _, e := range events {
		filter[e] = true
	}
	return &Notifier{
		senders: senders,
		events:  filter,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Alert delivers message to every sender if event passes the filter.
func (n *Notifier) Alert(ctx context.Context, event, message string) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[event] {
		return
	}

	for _, s := range n.senders {
		go func(s Sender) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := s.Send(sendCtx, message); err != nil {
				n.logger.Warn("alert delivery failed",
					slog.String("channel", s.Name()),
					slog.String("event", event),
					slog.Any("error", err),
				)
			}
		}(s)
	}
}
