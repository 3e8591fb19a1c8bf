package alerts

import (
	"context"

	"go.uber.org/zap"

	"github.com/skylapse/brain/pkg/events"
)

// Subscriber wires a Notifier to the event bus's dead-letter and
// node-reachability events.
type Subscriber struct {
	notifier Notifier
	log      *zap.Logger
}

// Notifier is anything that can deliver one alert; satisfied by
// *WebhookNotifier, and by test doubles.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// NewSubscriber returns a Subscriber. Call Register to attach it to a bus.
func NewSubscriber(notifier Notifier, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		notifier: notifier,
		log:      log,
	}
}

// Register subscribes the alert handlers on bus. Call once during startup.
func (s *Subscriber) Register(bus *events.Bus) {
	bus.Subscribe(events.EventJobDeadLettered, s.onJobDeadLettered)
	bus.Subscribe(events.EventNodeUnreachable, s.onNodeUnreachable)
}

func (s *Subscriber) onJobDeadLettered(ctx context.Context, event events.Event) error {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn("dead-letter alert delivery failed", zap.String("event_id", event.ID), zap.Error(err))
	}
	return nil
}

// onNodeUnreachable pages on every delivery. NodePool already debounces the
// underlying signal: it publishes EventNodeUnreachable once, on the
// transition from online to down after nodeDownThreshold consecutive failed
// captures, and won't publish again until the node recovers and goes down a
// second time. A second debounce here would require the node to cycle
// down/recovered multiple times before ever alerting.
func (s *Subscriber) onNodeUnreachable(ctx context.Context, event events.Event) error {
	nodeID, _ := event.Payload["node_id"].(string)
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.log.Warn("node unreachable alert delivery failed", zap.String("node_id", nodeID), zap.Error(err))
	}
	return nil
}
